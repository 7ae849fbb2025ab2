package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/rs/zerolog/log"
)

const (
	TiktokEventComplete          = "post.publish.complete"
	TiktokEventInboxDelivered    = "post.publish.inbox_delivered"
	TiktokEventPubliclyAvailable = "post.publish.publicly_available"
	TiktokEventFailed            = "post.publish.failed"
)

// signatures older than this are rejected
const signatureTolerance = 5 * time.Minute

type WebhookService interface {
	HandleTiktok(ctx context.Context, body []byte, signature string) error
}

type WebhookRecords interface {
	GetByDataID(ctx context.Context, platform, dataID string) (*models.PublishRecord, error)
	FinishByDataID(ctx context.Context, platform, dataID string, out models.Outcome) (bool, error)
	AttachWorkLink(ctx context.Context, platform, dataID, workLink string) (bool, error)
}

type WebhookEvents interface {
	Record(ctx context.Context, platform, eventKey, event string) (bool, error)
	Forget(ctx context.Context, platform, eventKey string) error
}

type AccountGetter interface {
	GetByID(ctx context.Context, id int64) (*models.SocialAccount, error)
}

type webhookService struct {
	records  WebhookRecords
	events   WebhookEvents
	accounts AccountGetter
	secret   string
	now      func() time.Time
}

func NewWebhookService(records WebhookRecords, events WebhookEvents, accounts AccountGetter, tiktokClientSecret string) WebhookService {
	return &webhookService{
		records:  records,
		events:   events,
		accounts: accounts,
		secret:   tiktokClientSecret,
		now:      time.Now,
	}
}

func (s *webhookService) HandleTiktok(ctx context.Context, body []byte, signature string) error {
	if err := s.verifyTiktok(body, signature); err != nil {
		return err
	}

	var ev transfer.TiktokWebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return failure.Wrap(failure.Validation, err, "malformed webhook body")
	}
	var content transfer.TiktokPublishEventContent
	if ev.Content != "" {
		if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
			return failure.Wrap(failure.Validation, err, "malformed webhook content")
		}
	}
	logger := log.With().Str("event", ev.Event).Str("publish_id", content.PublishID).Logger()
	if content.PublishID == "" {
		logger.Debug().Msg("webhook without publish id ignored")
		return nil
	}

	key := fmt.Sprintf("%s:%s:%d", ev.Event, content.PublishID, ev.CreateTime)
	first, err := s.events.Record(ctx, models.PlatformTiktok, key, string(body))
	if err != nil {
		return err
	}
	if !first {
		logger.Debug().Msg("duplicate webhook ignored")
		return nil
	}

	if err := s.apply(ctx, ev.Event, content); err != nil {
		// unmark the event so a redelivery is processed
		if ferr := s.events.Forget(context.WithoutCancel(ctx), models.PlatformTiktok, key); ferr != nil {
			logger.Error().Err(ferr).Msg("forget webhook event")
		}
		logger.Warn().Err(err).Msg("webhook not applied, awaiting redelivery")
		return err
	}
	return nil
}

// apply moves the record carrying content.PublishID to the event's outcome. It
// fails while no record carries that publish id yet, which happens when the
// callback beats the dispatcher storing it.
func (s *webhookService) apply(ctx context.Context, event string, content transfer.TiktokPublishEventContent) error {
	var out models.Outcome
	switch event {
	case TiktokEventComplete, TiktokEventInboxDelivered:
		out = models.Outcome{Status: models.StatusReleased}
	case TiktokEventPubliclyAvailable:
		out = models.Outcome{Status: models.StatusReleased, WorkLink: s.workLink(ctx, content)}
	case TiktokEventFailed:
		reason := content.Reason
		if reason == "" {
			reason = "publish failed on tiktok"
		}
		out = models.Outcome{Status: models.StatusFail, ErrorMsg: reason, ErrorCode: failure.CodeUpstream}
	default:
		log.Debug().Str("event", event).Msg("unhandled tiktok event")
		return nil
	}
	logger := log.With().Str("publish_id", content.PublishID).Logger()

	ok, err := s.records.FinishByDataID(ctx, models.PlatformTiktok, content.PublishID, out)
	if err != nil {
		return failure.Wrap(failure.Transient, err, "finish record from webhook")
	}
	if ok {
		logger.Info().Str("status", string(out.Status)).Msg("record finished by webhook")
		return nil
	}

	rec, err := s.records.GetByDataID(ctx, models.PlatformTiktok, content.PublishID)
	if err != nil {
		return failure.Wrap(failure.Transient, err, "look up record for webhook")
	}
	if rec == nil {
		return failure.Newf(failure.Transient, "no record carries publish id %s yet", content.PublishID)
	}
	if out.WorkLink != "" {
		if _, err := s.records.AttachWorkLink(ctx, models.PlatformTiktok, content.PublishID, out.WorkLink); err != nil {
			return failure.Wrap(failure.Transient, err, "attach work link")
		}
	}
	logger.Debug().Str("status", string(rec.Status)).Msg("record already settled")
	return nil
}

func (s *webhookService) workLink(ctx context.Context, content transfer.TiktokPublishEventContent) string {
	if content.PostID == "" {
		return ""
	}
	rec, err := s.records.GetByDataID(ctx, models.PlatformTiktok, content.PublishID)
	if err != nil || rec == nil {
		return ""
	}
	acc, err := s.accounts.GetByID(ctx, rec.AccountID)
	if err != nil || acc == nil || acc.AccountUsername == "" {
		return ""
	}
	return fmt.Sprintf("https://www.tiktok.com/@%s/video/%s", acc.AccountUsername, content.PostID)
}

// verifyTiktok checks a "t=<unix>,s=<hex hmac>" header where the HMAC covers "<t>.<body>".
func (s *webhookService) verifyTiktok(body []byte, header string) error {
	if s.secret == "" {
		return nil
	}
	var ts, sig string
	for _, kv := range strings.Split(header, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(kv), "=")
		switch k {
		case "t":
			ts = v
		case "s":
			sig = v
		}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || sig == "" {
		return failure.New(failure.Validation, "missing webhook signature")
	}
	if age := s.now().Sub(time.Unix(unix, 0)); age > signatureTolerance || age < -signatureTolerance {
		return failure.New(failure.Validation, "stale webhook signature")
	}
	want, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(want, SignTiktok(s.secret, ts, body)) {
		return failure.New(failure.Validation, "invalid webhook signature")
	}
	return nil
}

func SignTiktok(secret, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
