package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"zenverifier/internal/models"
)

var (
	ErrNotConfigured = errors.New("email service not configured")
	ErrSendFailed    = errors.New("failed to send email")
)

const defaultEndpoint = "https://api.resend.com/emails"

// ResendClient sends transactional mail through the Resend API.
type ResendClient struct {
	apiKey    string
	fromEmail string
	appURL    string
	endpoint  string
	http      *http.Client
	log       *zap.Logger
}

func NewResendClient(apiKey, fromEmail, appURL string, log *zap.Logger) *ResendClient {
	return &ResendClient{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		appURL:    strings.TrimRight(appURL, "/"),
		endpoint:  defaultEndpoint,
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log.Named("resend"),
	}
}

func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != "" && c.fromEmail != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (c *ResendClient) SendEmail(ctx context.Context, to, subject, htmlContent string) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	body, err := json.Marshal(sendEmailRequest{
		From:    c.fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

var bulkFinishedTmpl = template.Must(template.New("bulk_finished").Parse(`<!DOCTYPE html>
<html>
<body style="margin: 0; padding: 0; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background-color: #f4f4f4;">
    <table role="presentation" style="width: 100%; border-collapse: collapse;">
        <tr>
            <td align="center" style="padding: 40px 0;">
                <table role="presentation" style="width: 600px; border-collapse: collapse; background-color: #ffffff; border-radius: 8px;">
                    <tr>
                        <td style="padding: 40px 40px 20px 40px; text-align: center;">
                            <h1 style="margin: 0; color: #333333; font-size: 24px;">Your list is verified</h1>
                        </td>
                    </tr>
                    <tr>
                        <td style="padding: 0 40px 20px 40px; color: #666666; font-size: 16px; line-height: 1.5;">
                            <p><strong>{{.FileName}}</strong> finished with {{.Verified}} of {{.TotalRows}} rows checked.</p>
                            <p>Valid: {{.OkCount}} &middot; Catch-all: {{.CatchAllCount}} &middot; Invalid: {{.InvalidCount}} &middot; Disposable: {{.DisposableCount}} &middot; Unknown: {{.UnknownCount}}</p>
                            <p>Credits charged: {{.Credit}}</p>
                        </td>
                    </tr>
                    {{if .Link}}<tr>
                        <td style="padding: 20px 40px 40px 40px; text-align: center;">
                            <a href="{{.Link}}" style="background-color: #007bff; color: #ffffff; padding: 12px 24px; border-radius: 6px; text-decoration: none;">Download results</a>
                        </td>
                    </tr>{{end}}
                </table>
            </td>
        </tr>
    </table>
</body>
</html>
`))

// BulkJobFinished mails the job owner a summary of a finished bulk file.
func (c *ResendClient) BulkJobFinished(ctx context.Context, user models.User, job models.BulkJob) error {
	if user.Email == "" {
		return nil
	}
	data := struct {
		models.BulkJob
		Link string
	}{BulkJob: job}
	if c.appURL != "" {
		data.Link = c.appURL + "/dashboard/bulk-jobs"
	}

	var buf bytes.Buffer
	if err := bulkFinishedTmpl.Execute(&buf, data); err != nil {
		return err
	}
	subject := fmt.Sprintf("Verification finished: %s", job.FileName)
	if err := c.SendEmail(ctx, user.Email, subject, buf.String()); err != nil {
		c.log.Warn("bulk job notification failed", zap.String("file_id", job.FileID), zap.Error(err))
		return err
	}
	return nil
}

// Noop satisfies the notifier contract when Resend is not configured.
type Noop struct{}

func (Noop) BulkJobFinished(context.Context, models.User, models.BulkJob) error { return nil }
