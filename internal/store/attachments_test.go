// ABOUTME: Tests for attachment storage
// ABOUTME: Covers pending creation, terminal scan results and idempotent completion

package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachments_CreateAndComplete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		m := sendTestMessage(t, s, thread.ID, "alice", "see attached")

		att := &Attachment{MessageID: m.ID, Name: "meal-plan.pdf", MimeType: "application/pdf", Size: 2048}
		require.NoError(t, s.CreateAttachment(ctx, att, nil))
		assert.Equal(t, ScanPending, att.ScanStatus)
		assert.Equal(t, KindPDF, att.Kind)
		assert.Equal(t, 1, att.Attempt)

		pending, err := s.ListPendingAttachments(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		applied, err := s.CompleteScan(ctx, att.ID, ScanResult{Status: ScanClean, CDNURL: "https://cdn.example.com/files/a/meal-plan.pdf"})
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := s.GetAttachment(ctx, att.ID)
		require.NoError(t, err)
		assert.Equal(t, ScanClean, got.ScanStatus)
		assert.Equal(t, "https://cdn.example.com/files/a/meal-plan.pdf", got.CDNURL)
		require.NotNil(t, got.ScannedAt)

		msg, err := s.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, att.ID, msg.Attachments[0].ID)

		pending, err = s.ListPendingAttachments(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestAttachments_TerminalStateIsFinal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		m := sendTestMessage(t, s, thread.ID, "alice", "x")

		att := &Attachment{MessageID: m.ID, Name: "setup.exe", MimeType: "application/x-msdownload", Size: 10}
		require.NoError(t, s.CreateAttachment(ctx, att, nil))

		applied, err := s.CompleteScan(ctx, att.ID, ScanResult{Status: ScanInfected, CDNURL: "https://should-not-publish"})
		require.NoError(t, err)
		assert.True(t, applied)

		for _, status := range []ScanStatus{ScanClean, ScanError, ScanInfected} {
			applied, err := s.CompleteScan(ctx, att.ID, ScanResult{Status: status})
			require.NoError(t, err)
			assert.False(t, applied)
		}

		got, err := s.GetAttachment(ctx, att.ID)
		require.NoError(t, err)
		assert.Equal(t, ScanInfected, got.ScanStatus)
		assert.Empty(t, got.CDNURL)

		_, err = s.CompleteScan(ctx, att.ID, ScanResult{Status: ScanPending})
		assert.ErrorIs(t, err, ErrValidation)
		_, err = s.CompleteScan(ctx, "missing", ScanResult{Status: ScanClean})
		assert.ErrorIs(t, err, ErrAttachmentNotFound)
	})
}

func TestAttachments_ConcurrentCompletionAppliesOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		m := sendTestMessage(t, s, thread.ID, "alice", "x")
		att := &Attachment{MessageID: m.ID, Name: "photo.jpg", MimeType: "image/jpeg", Size: 100}
		require.NoError(t, s.CreateAttachment(ctx, att, nil))

		var wg sync.WaitGroup
		var mu sync.Mutex
		applied := 0
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				status := ScanClean
				if i%2 == 1 {
					status = ScanError
				}
				ok, err := s.CompleteScan(ctx, att.ID, ScanResult{Status: status})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, applied)
	})
}

func TestAttachments_ScanCompletesOnDeletedMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		m := sendTestMessage(t, s, thread.ID, "alice", "x")
		att := &Attachment{MessageID: m.ID, Name: "photo.png", MimeType: "image/png", Size: 100}
		require.NoError(t, s.CreateAttachment(ctx, att, nil))

		require.NoError(t, s.DeleteMessage(ctx, m.ID, "alice", nil))

		applied, err := s.CompleteScan(ctx, att.ID, ScanResult{Status: ScanClean, CDNURL: "https://cdn/x"})
		require.NoError(t, err)
		assert.True(t, applied)

		atts, err := s.ListAttachments(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, atts, 1)
		assert.Equal(t, ScanClean, atts[0].ScanStatus)
	})
}

func TestAttachments_Validation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s clockedStore) {
		ctx := context.Background()
		thread := createTestThread(t, s)
		m := sendTestMessage(t, s, thread.ID, "alice", "x")

		err := s.CreateAttachment(ctx, &Attachment{MessageID: m.ID, Name: "a.txt", MimeType: "text/plain", Size: -1}, nil)
		assert.ErrorIs(t, err, ErrValidation)
		err = s.CreateAttachment(ctx, &Attachment{MessageID: m.ID, Name: "", MimeType: "text/plain", Size: 1}, nil)
		assert.ErrorIs(t, err, ErrValidation)
		err = s.CreateAttachment(ctx, &Attachment{MessageID: "missing", Name: "a.txt", MimeType: "text/plain", Size: 1}, nil)
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})
}

func TestKindForMIME(t *testing.T) {
	assert.Equal(t, KindImage, KindForMIME("image/PNG"))
	assert.Equal(t, KindVideo, KindForMIME("video/mp4"))
	assert.Equal(t, KindPDF, KindForMIME("application/pdf"))
	assert.Equal(t, KindDocument, KindForMIME("application/msword"))
}
