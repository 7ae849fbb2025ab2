package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memEvents struct {
	seen map[string]bool
}

func (m *memEvents) Record(_ context.Context, platform, key, _ string) (bool, error) {
	k := platform + "|" + key
	if m.seen[k] {
		return false, nil
	}
	m.seen[k] = true
	return true, nil
}

func (m *memEvents) Forget(_ context.Context, platform, key string) error {
	delete(m.seen, platform+"|"+key)
	return nil
}

func tiktokEvent(t *testing.T, event string, content transfer.TiktokPublishEventContent) []byte {
	c, err := json.Marshal(content)
	require.NoError(t, err)
	body, err := json.Marshal(transfer.TiktokWebhookEvent{ClientKey: "ck", Event: event, CreateTime: 1700000000, Content: string(c)})
	require.NoError(t, err)
	return body
}

func newWebhookFixture(secret string) (*webhookService, *memRecords) {
	records := newMemRecords()
	records.rows[1] = &models.PublishRecord{ID: 1, AccountID: 2, Platform: models.PlatformTiktok, DataID: "pub-1", Status: models.StatusInProgress}
	records.rows[2] = &models.PublishRecord{ID: 2, AccountID: 2, Platform: models.PlatformTiktok, DataID: "pub-2", Status: models.StatusInProgress}
	records.next = 2
	accounts := memAccounts{rows: map[int64]*models.SocialAccount{2: {ID: 2, AccountUsername: "creator"}}}
	svc := NewWebhookService(records, &memEvents{seen: map[string]bool{}}, accounts, secret).(*webhookService)
	return svc, records
}

func TestTiktokWebhookReleasesWithLink(t *testing.T) {
	svc, records := newWebhookFixture("")
	ctx := context.Background()

	body := tiktokEvent(t, TiktokEventPubliclyAvailable, transfer.TiktokPublishEventContent{PublishID: "pub-1", PostID: "7300"})
	require.NoError(t, svc.HandleTiktok(ctx, body, ""))
	assert.Equal(t, models.StatusReleased, records.rows[1].Status)
	assert.Equal(t, "https://www.tiktok.com/@creator/video/7300", records.rows[1].WorkLink)
}

func TestTiktokWebhookLinkAfterComplete(t *testing.T) {
	svc, records := newWebhookFixture("")
	ctx := context.Background()

	require.NoError(t, svc.HandleTiktok(ctx, tiktokEvent(t, TiktokEventComplete, transfer.TiktokPublishEventContent{PublishID: "pub-1"}), ""))
	assert.Equal(t, models.StatusReleased, records.rows[1].Status)
	assert.Empty(t, records.rows[1].WorkLink)

	require.NoError(t, svc.HandleTiktok(ctx, tiktokEvent(t, TiktokEventPubliclyAvailable, transfer.TiktokPublishEventContent{PublishID: "pub-1", PostID: "9"}), ""))
	assert.Equal(t, "https://www.tiktok.com/@creator/video/9", records.rows[1].WorkLink)
}

func TestTiktokWebhookFailureAndDuplicates(t *testing.T) {
	svc, records := newWebhookFixture("")
	ctx := context.Background()

	body := tiktokEvent(t, TiktokEventFailed, transfer.TiktokPublishEventContent{PublishID: "pub-2", Reason: "video_pull_failed"})
	require.NoError(t, svc.HandleTiktok(ctx, body, ""))
	assert.Equal(t, models.StatusFail, records.rows[2].Status)
	assert.Equal(t, "video_pull_failed", records.rows[2].ErrorMsg)

	// replay of the same event changes nothing
	records.rows[2].ErrorMsg = "seen"
	require.NoError(t, svc.HandleTiktok(ctx, body, ""))
	assert.Equal(t, "seen", records.rows[2].ErrorMsg)
}

func TestTiktokWebhookSignature(t *testing.T) {
	svc, records := newWebhookFixture("shh")
	now := time.Unix(1700000100, 0)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	body := tiktokEvent(t, TiktokEventComplete, transfer.TiktokPublishEventContent{PublishID: "pub-1"})
	ts := strconv.FormatInt(now.Unix(), 10)
	good := "t=" + ts + ",s=" + hex.EncodeToString(SignTiktok("shh", ts, body))

	err := svc.HandleTiktok(ctx, body, "t="+ts+",s=00ff")
	assert.Equal(t, failure.Validation, failure.KindOf(err))
	err = svc.HandleTiktok(ctx, body, "")
	assert.Equal(t, failure.Validation, failure.KindOf(err))

	old := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	err = svc.HandleTiktok(ctx, body, "t="+old+",s="+hex.EncodeToString(SignTiktok("shh", old, body)))
	assert.Equal(t, failure.Validation, failure.KindOf(err))
	assert.Equal(t, models.StatusInProgress, records.rows[1].Status)

	require.NoError(t, svc.HandleTiktok(ctx, body, good))
	assert.Equal(t, models.StatusReleased, records.rows[1].Status)
}

func TestTiktokWebhookBeforePublishIDStored(t *testing.T) {
	svc, records := newWebhookFixture("")
	ctx := context.Background()
	// dispatched, but the publish id has not been written yet
	records.rows[3] = &models.PublishRecord{ID: 3, AccountID: 2, Platform: models.PlatformTiktok, Status: models.StatusInProgress}

	body := tiktokEvent(t, TiktokEventComplete, transfer.TiktokPublishEventContent{PublishID: "pub-3"})
	err := svc.HandleTiktok(ctx, body, "")
	require.Error(t, err)
	assert.NotEqual(t, failure.Validation, failure.KindOf(err))
	assert.Equal(t, models.StatusInProgress, records.rows[3].Status)

	records.rows[3].DataID = "pub-3"
	require.NoError(t, svc.HandleTiktok(ctx, body, ""))
	assert.Equal(t, models.StatusReleased, records.rows[3].Status)
}

func TestTiktokWebhookForSettledRecordIsAccepted(t *testing.T) {
	svc, records := newWebhookFixture("")
	ctx := context.Background()
	records.rows[2].Status = models.StatusFail

	require.NoError(t, svc.HandleTiktok(ctx, tiktokEvent(t, TiktokEventComplete, transfer.TiktokPublishEventContent{PublishID: "pub-2"}), ""))
	assert.Equal(t, models.StatusFail, records.rows[2].Status)
}
