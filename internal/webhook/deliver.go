package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// statusError marks an HTTP response that did not land in 2xx.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook endpoint returned status %d", e.status)
}

// retryable reports whether a delivery error is worth another attempt.
// 4xx responses are the receiver rejecting the payload and will not
// change on retry; 5xx and transport errors are transient.
func retryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.status >= 500
	}
	return true
}

// deliver performs one signed POST of the delivery payload.
func (d *Deliverer) deliver(delivery *Delivery) error {
	d.pace(delivery.URL)

	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "functions-gateway-webhook/1.0")
	req.Header.Set("X-Webhook-Event", delivery.Event)
	req.Header.Set("X-Webhook-ID", delivery.ID)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	if d.secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(d.secret, delivery.Payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{status: resp.StatusCode}
	}
	return nil
}

// sign computes the payload signature receivers verify:
// hex HMAC-SHA256 of the body, prefixed with the algorithm.
func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
