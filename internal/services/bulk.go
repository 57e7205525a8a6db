package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"zenverifier/internal/models"
	"zenverifier/internal/telemetry"
	"zenverifier/internal/verifier"
)

// UploadBulk sends a CSV to the provider and reserves credits for every email
// row it contains. The reservation is settled once the job reaches a terminal
// status.
func (s *Service) UploadBulk(ctx context.Context, user models.User, fileName string, body []byte) (models.BulkJob, error) {
	if !strings.EqualFold(filepath.Ext(fileName), ".csv") {
		return models.BulkJob{}, fmt.Errorf("%w: only CSV files are supported", ErrInvalidRequest)
	}
	if len(body) == 0 {
		return models.BulkJob{}, fmt.Errorf("%w: file is empty", ErrInvalidRequest)
	}
	if limit := s.config.Bulk.MaxUploadBytes; limit > 0 && int64(len(body)) > limit {
		return models.BulkJob{}, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidRequest, limit)
	}
	if s.verifier == nil {
		return models.BulkJob{}, ErrVerifierNotConfigured
	}

	rows, err := countEmailRows(bytes.NewReader(body))
	if err != nil {
		return models.BulkJob{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if rows == 0 {
		return models.BulkJob{}, fmt.Errorf("%w: no email addresses found", ErrInvalidRequest)
	}
	estimate := rows * s.config.Credits.SingleCheckCost

	balance, err := s.GetBalance(ctx, user.ID)
	if err != nil {
		return models.BulkJob{}, err
	}
	if balance < int64(estimate) {
		return models.BulkJob{}, ErrInsufficientCredits
	}

	ctx, span := telemetry.Start(ctx, tracerScope, "bulk.upload",
		attribute.Int64("user.id", user.ID),
		attribute.Int("bulk.rows", rows),
	)
	info, err := s.verifier.UploadFile(ctx, fileName, body)
	if err != nil {
		telemetry.End(span, err)
		return models.BulkJob{}, upstream(err)
	}
	fileID := info.FileID.String()

	job := jobFromFileInfo(models.BulkJob{UserID: user.ID, FileName: fileName}, info)
	job.ReservedCredits = estimate
	out, err := s.RecordUsageDebit(ctx, UsageDebit{
		UserID:      user.ID,
		Amount:      estimate,
		Type:        models.TxBulkVerification,
		Description: fmt.Sprintf("Bulk verification reserved: %s (%d emails)", fileName, rows),
		FileID:      fileID,
		BulkJob:     &job,
	})
	telemetry.End(span, err)
	if err != nil {
		if delErr := s.verifier.Delete(context.WithoutCancel(ctx), fileID); delErr != nil {
			s.log.Warn("delete orphaned bulk file", zap.String("file_id", fileID), zap.Error(delErr))
		}
		return models.BulkJob{}, err
	}
	s.log.Info("bulk job created",
		zap.Int64("user_id", user.ID),
		zap.String("file_id", fileID),
		zap.Int("reserved", estimate),
	)
	return *out.BulkJob, nil
}

// BulkStatus refreshes a job from the provider and settles it when it has
// reached a terminal status.
func (s *Service) BulkStatus(ctx context.Context, user models.User, fileID string) (models.BulkJob, error) {
	job, err := s.store.GetBulkJob(ctx, user.ID, fileID)
	if err != nil {
		return models.BulkJob{}, err
	}
	if s.verifier == nil {
		return models.BulkJob{}, ErrVerifierNotConfigured
	}
	job, err = s.refreshBulkJob(ctx, job)
	if err != nil {
		return models.BulkJob{}, err
	}
	return s.settleIfTerminal(ctx, user, job)
}

// ListBulk returns the caller's jobs, refreshing the ones still in flight.
// A file the provider fails to report on keeps its stored state.
func (s *Service) ListBulk(ctx context.Context, user models.User) ([]models.BulkJob, error) {
	jobs, err := s.store.ListBulkJobs(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if s.verifier == nil {
		return jobs, nil
	}
	for i, job := range jobs {
		if job.Terminal() && job.SettledAt != nil {
			continue
		}
		refreshed, err := s.refreshBulkJob(ctx, job)
		if err != nil {
			s.log.Warn("refresh bulk job", zap.String("file_id", job.FileID), zap.Error(err))
			continue
		}
		settled, err := s.settleIfTerminal(ctx, user, refreshed)
		if err != nil {
			s.log.Warn("settle bulk job", zap.String("file_id", job.FileID), zap.Error(err))
			jobs[i] = refreshed
			continue
		}
		jobs[i] = settled
	}
	return jobs, nil
}

func (s *Service) StopBulk(ctx context.Context, user models.User, fileID string) (models.BulkJob, error) {
	job, err := s.store.GetBulkJob(ctx, user.ID, fileID)
	if err != nil {
		return models.BulkJob{}, err
	}
	if s.verifier == nil {
		return models.BulkJob{}, ErrVerifierNotConfigured
	}
	if err := s.verifier.Stop(ctx, fileID); err != nil {
		return models.BulkJob{}, upstream(err)
	}
	if refreshed, err := s.refreshBulkJob(ctx, job); err == nil {
		job = refreshed
	} else {
		s.log.Warn("refresh stopped bulk job", zap.String("file_id", fileID), zap.Error(err))
	}
	if job.Status != models.BulkStatusFinished {
		job.Status = models.BulkStatusCanceled
		if job, err = s.store.UpdateBulkJob(ctx, job); err != nil {
			return models.BulkJob{}, err
		}
	}
	return s.settleIfTerminal(ctx, user, job)
}

// DeleteBulk removes a job at the provider and locally. An unsettled job is
// settled first so the reservation is not lost.
func (s *Service) DeleteBulk(ctx context.Context, user models.User, fileID string) error {
	job, err := s.store.GetBulkJob(ctx, user.ID, fileID)
	if err != nil {
		return err
	}
	if s.verifier == nil {
		return ErrVerifierNotConfigured
	}
	if job.SettledAt == nil {
		if refreshed, err := s.refreshBulkJob(ctx, job); err == nil {
			job = refreshed
		}
		if !job.Terminal() {
			job.Status = models.BulkStatusCanceled
		}
		if _, err := s.settle(ctx, user, job); err != nil {
			return err
		}
	}
	if err := s.verifier.Delete(ctx, fileID); err != nil && !isFileNotFound(err) {
		return upstream(err)
	}
	return s.store.DeleteBulkJob(ctx, user.ID, fileID)
}

// DownloadBulk streams the provider's result file. The caller closes the reader.
func (s *Service) DownloadBulk(ctx context.Context, user models.User, fileID string, opts verifier.DownloadOptions) (io.ReadCloser, string, error) {
	if opts.Filter == "" {
		opts.Filter = verifier.FilterAll
	}
	if !verifier.ValidFilter(opts.Filter) {
		return nil, "", fmt.Errorf("%w: unsupported filter %q", ErrInvalidRequest, opts.Filter)
	}
	if _, err := s.store.GetBulkJob(ctx, user.ID, fileID); err != nil {
		return nil, "", err
	}
	if s.verifier == nil {
		return nil, "", ErrVerifierNotConfigured
	}
	rc, err := s.verifier.Download(ctx, fileID, opts)
	if err != nil {
		return nil, "", upstream(err)
	}
	return rc, fmt.Sprintf("verification-results-%s-%s.csv", fileID, opts.Filter), nil
}

func (s *Service) refreshBulkJob(ctx context.Context, job models.BulkJob) (models.BulkJob, error) {
	info, err := s.verifier.FileInfo(ctx, job.FileID)
	if err != nil {
		return job, upstream(err)
	}
	return s.store.UpdateBulkJob(ctx, jobFromFileInfo(job, info))
}

func (s *Service) settleIfTerminal(ctx context.Context, user models.User, job models.BulkJob) (models.BulkJob, error) {
	if !job.Terminal() || job.SettledAt != nil {
		return job, nil
	}
	return s.settle(ctx, user, job)
}

// settle books reserved minus actual cost. A finished job costs what the
// provider reports; a canceled or failed one costs what it verified so far.
func (s *Service) settle(ctx context.Context, user models.User, job models.BulkJob) (models.BulkJob, error) {
	actual := job.Credit
	if job.Status != models.BulkStatusFinished && actual == 0 {
		actual = job.Verified * s.config.Credits.SingleCheckCost
	}
	actual = min(actual, job.ReservedCredits)
	adjustment := job.ReservedCredits - actual

	settled, applied, err := s.store.SettleBulkJob(ctx, BulkSettlement{
		JobID:       job.ID,
		UserID:      job.UserID,
		FileID:      job.FileID,
		Adjustment:  adjustment,
		Description: fmt.Sprintf("Bulk verification settled: %s (%d reserved, %d used)", job.FileName, job.ReservedCredits, actual),
		At:          s.now(),
	})
	if err != nil {
		return models.BulkJob{}, err
	}
	if !applied {
		return settled, nil
	}
	s.metrics.bulkSettled.WithLabelValues(settled.Status).Inc()
	if adjustment > 0 {
		s.metrics.creditsGranted.WithLabelValues(models.TxBulkVerification).Add(float64(adjustment))
	}
	s.log.Info("bulk job settled",
		zap.String("file_id", job.FileID),
		zap.String("status", job.Status),
		zap.Int("adjustment", adjustment),
	)
	if settled.Status == models.BulkStatusFinished {
		if err := s.notifier.BulkJobFinished(ctx, user, settled); err != nil {
			s.log.Warn("bulk job notification failed", zap.String("file_id", job.FileID), zap.Error(err))
		}
	}
	return settled, nil
}

func jobFromFileInfo(job models.BulkJob, info verifier.FileInfo) models.BulkJob {
	if id := info.FileID.String(); id != "" {
		job.FileID = id
	}
	if info.FileName != "" {
		job.FileName = info.FileName
	}
	if info.Status != "" {
		job.Status = info.Status
	}
	job.TotalRows = info.TotalRows
	job.UniqueEmails = info.UniqueEmails
	job.Verified = info.Verified
	job.Percent = info.Percent
	job.OkCount = info.OK
	job.CatchAllCount = info.CatchAll
	job.DisposableCount = info.Disposable
	job.InvalidCount = info.Invalid
	job.UnknownCount = info.Unknown
	job.ReverifyCount = info.Reverify
	job.Credit = info.Credit
	job.EstimatedTimeSec = info.EstimatedTimeSec
	job.ErrorMessage = info.Error
	return job
}

// countEmailRows counts records holding an address in any column. A header
// row has none and is skipped.
func countEmailRows(r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	n := 0
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("parse csv: %w", err)
		}
		for _, field := range record {
			if looksLikeEmail(field) {
				n++
				break
			}
		}
	}
}

func looksLikeEmail(field string) bool {
	field = strings.TrimSpace(field)
	at := strings.LastIndexByte(field, '@')
	if at <= 0 || at == len(field)-1 || strings.ContainsAny(field, " <>") {
		return false
	}
	_, err := mail.ParseAddress(field)
	return err == nil
}

func isFileNotFound(err error) bool {
	var apiErr *verifier.APIError
	return errors.As(err, &apiErr) && apiErr.Code == verifier.CodeFileNotFound
}
