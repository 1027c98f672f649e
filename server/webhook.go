package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/beamgrid/go-beamgrid/clog"
	"github.com/beamgrid/go-beamgrid/common"
	"github.com/beamgrid/go-beamgrid/core"
	"github.com/beamgrid/go-beamgrid/monitor"
)

const webhookTimeout = 10 * time.Second

// webhookAttempts is the initial delivery plus retries.
const webhookAttempts = 3

// sendWebhook posts the terminal result envelope to the job's webhook
// URL, retrying with exponential backoff. Delivery is best effort;
// clients that need certainty poll /v2/status.
func (s *BeamGridServer) sendWebhook(ctx context.Context, job core.Job) {
	buf, err := json.Marshal(statusResponse(job))
	if err != nil {
		clog.Errorf(ctx, "Could not marshal webhook payload err=%q", err)
		return
	}

	expb := backoff.NewExponentialBackOff()
	expb.InitialInterval = time.Second
	err = backoff.Retry(func() error {
		wctx, cancel := context.WithTimeout(ctx, webhookTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(wctx, "POST", job.WebhookURL, bytes.NewReader(buf))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "beamgrid/"+core.BeamGridVersion)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 400 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	}, backoff.WithMaxRetries(expb, webhookAttempts-1))
	if err != nil {
		clog.Errorf(ctx, "Webhook delivery failed url=%s err=%q", job.WebhookURL, err)
		if monitor.Enabled {
			monitor.WebhookFailed()
		}
		return
	}
	clog.V(common.DEBUG).Infof(ctx, "Webhook delivered url=%s", job.WebhookURL)
	if monitor.Enabled {
		monitor.WebhookSent()
	}
}
