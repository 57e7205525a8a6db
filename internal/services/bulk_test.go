package services_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zenverifier/internal/models"
	"zenverifier/internal/services"
	"zenverifier/internal/verifier"
)

const leadsCSV = "email,name\na@example.com,A\nb@example.com,B\n\"c@example.com\",C\nnot-an-email,D\n"

func TestUploadBulkReservesEstimate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t, "user_1")

	job, err := e.svc.UploadBulk(ctx, u, "leads.csv", []byte(leadsCSV))
	require.NoError(t, err)
	assert.Equal(t, "1001", job.FileID)
	assert.Equal(t, 3, job.ReservedCredits)
	assert.Equal(t, models.BulkStatusInQueue, job.Status)
	assert.EqualValues(t, 497, e.balance(t, u.ID))

	txs := e.transactions(t, u.ID)
	assert.Equal(t, models.TxBulkVerification, txs[0].Type)
	assert.Equal(t, "1001", txs[0].FileID)
}

func TestUploadBulkValidation(t *testing.T) {
	e := newEnv(t)
	u := e.user(t, "user_1")

	tests := []struct {
		name string
		file string
		body string
	}{
		{"not csv", "leads.xlsx", leadsCSV},
		{"empty", "leads.csv", ""},
		{"too large", "leads.csv", strings.Repeat("a@example.com\n", 100)},
		{"no emails", "leads.csv", "name\nA\nB\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.UploadBulk(context.Background(), u, tt.file, []byte(tt.body))
			assert.ErrorIs(t, err, services.ErrInvalidRequest)
		})
	}
	assert.Empty(t, e.verifier.files)
}

func TestUploadBulkInsufficientCredits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t, "user_1")
	_, err := e.store.InsertCreditTransaction(ctx, models.CreditTransaction{UserID: u.ID, Amount: -498, Type: models.TxTest})
	require.NoError(t, err)

	_, err = e.svc.UploadBulk(ctx, u, "leads.csv", []byte(leadsCSV))
	assert.ErrorIs(t, err, services.ErrInsufficientCredits)
	assert.Empty(t, e.verifier.files, "nothing is uploaded")
}

func TestBulkStatusSettlesOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t, "user_1")
	job, err := e.svc.UploadBulk(ctx, u, "leads.csv", []byte(leadsCSV))
	require.NoError(t, err)

	e.verifier.progress(job.FileID, models.BulkStatusInProgress, 1, 0)
	job, err = e.svc.BulkStatus(ctx, u, job.FileID)
	require.NoError(t, err)
	assert.Nil(t, job.SettledAt)
	assert.EqualValues(t, 497, e.balance(t, u.ID))

	// The provider charged 2 of the 3 reserved credits.
	e.verifier.progress(job.FileID, models.BulkStatusFinished, 2, 2)
	job, err = e.svc.BulkStatus(ctx, u, job.FileID)
	require.NoError(t, err)
	require.NotNil(t, job.SettledAt)
	assert.EqualValues(t, 498, e.balance(t, u.ID))

	_, err = e.svc.BulkStatus(ctx, u, job.FileID)
	require.NoError(t, err)
	assert.EqualValues(t, 498, e.balance(t, u.ID))
	assert.Equal(t, []string{job.FileID}, e.notifier.finished)

	settlement, err := e.store.GetCreditTransactionByKey(ctx, u.ID, services.SettleKey(job.FileID))
	require.NoError(t, err)
	assert.Equal(t, 1, settlement.Amount)
}

func TestBulkStatusIsScopedToOwner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := e.user(t, "user_1")
	other := e.user(t, "user_2")
	job, err := e.svc.UploadBulk(ctx, owner, "leads.csv", []byte(leadsCSV))
	require.NoError(t, err)

	_, err = e.svc.BulkStatus(ctx, other, job.FileID)
	assert.ErrorIs(t, err, services.ErrNotFound)
	_, _, err = e.svc.DownloadBulk(ctx, other, job.FileID, verifier.DownloadOptions{})
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestStopBulkRefundsUnverified(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t, "user_1")
	job, err := e.svc.UploadBulk(ctx, u, "leads.csv", []byte(leadsCSV))
	require.NoError(t, err)
	e.verifier.progress(job.FileID, models.BulkStatusInProgress, 1, 0)

	job, err = e.svc.StopBulk(ctx, u, job.FileID)
	require.NoError(t, err)
	assert.Equal(t, models.BulkStatusCanceled, job.Status)
	require.NotNil(t, job.SettledAt)
	assert.Equal(t, []string{job.FileID}, e.verifier.stopped)
	assert.EqualValues(t, 499, e.balance(t, u.ID))
	assert.Empty(t, e.notifier.finished)
}

func TestDeleteBulkSettlesBeforeDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t, "user_1")
	job, err := e.svc.UploadBulk(ctx, u, "leads.csv", []byte(leadsCSV))
	require.NoError(t, err)

	require.NoError(t, e.svc.DeleteBulk(ctx, u, job.FileID))
	assert.EqualValues(t, 500, e.balance(t, u.ID), "unused reservation is returned")

	_, err = e.store.GetBulkJob(ctx, u.ID, job.FileID)
	assert.ErrorIs(t, err, services.ErrNotFound)

	err = e.svc.DeleteBulk(ctx, u, job.FileID)
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestListBulkRefreshesAndSkipsFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t, "user_1")
	first, err := e.svc.UploadBulk(ctx, u, "a.csv", []byte(leadsCSV))
	require.NoError(t, err)
	second, err := e.svc.UploadBulk(ctx, u, "b.csv", []byte(leadsCSV))
	require.NoError(t, err)

	e.verifier.progress(first.FileID, models.BulkStatusFinished, 3, 3)
	delete(e.verifier.files, second.FileID)

	jobs, err := e.svc.ListBulk(ctx, u)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	byID := map[string]models.BulkJob{}
	for _, j := range jobs {
		byID[j.FileID] = j
	}
	assert.Equal(t, models.BulkStatusFinished, byID[first.FileID].Status)
	assert.NotNil(t, byID[first.FileID].SettledAt)
	assert.Equal(t, models.BulkStatusInQueue, byID[second.FileID].Status)
}

func TestDownloadBulk(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.user(t, "user_1")
	job, err := e.svc.UploadBulk(ctx, u, "leads.csv", []byte(leadsCSV))
	require.NoError(t, err)

	_, _, err = e.svc.DownloadBulk(ctx, u, job.FileID, verifier.DownloadOptions{Filter: "everything"})
	assert.ErrorIs(t, err, services.ErrInvalidRequest)

	rc, name, err := e.svc.DownloadBulk(ctx, u, job.FileID, verifier.DownloadOptions{Filter: verifier.FilterOK})
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "verification-results-"+job.FileID+"-ok.csv", name)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(body), "a@example.com")
}
