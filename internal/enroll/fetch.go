package enroll

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Submitter is the anonymous-transport subset Enrollment needs to submit
// a CSR (§4.4 step 1): PUT/POST /csr with the CSR as the body.
type Submitter interface {
	Put(ctx context.Context, path string, body []byte, hook func(status int, body []byte)) error
}

// SubmitCSR PUTs the on-disk CSR to the collector using the anonymous
// transport (no client cert is presented yet — that's the point).
func SubmitCSR(ctx context.Context, t Submitter, paths Paths) error {
	csr, err := ReadCSR(paths)
	if err != nil {
		return err
	}
	var status int
	err = t.Put(ctx, "/csr", csr, func(s int, _ []byte) { status = s })
	if err != nil {
		return fmt.Errorf("enroll: submit csr: %w", err)
	}
	if status != 200 && status != 201 {
		return fmt.Errorf("enroll: csr submission rejected with status %d", status)
	}
	return nil
}

// fetchRequest/fetchResponse mirror the JSON-RPC-style
// certificates.fetch(agent_id) exchange named in spec §6.
type fetchRequest struct {
	Method string `json:"method"`
	Params struct {
		AgentID string `json:"agent_id"`
	} `json:"params"`
}

type fetchResponse struct {
	Certificate string `json:"certificate,omitempty"`
	Status      string `json:"status,omitempty"` // "pending" | "revoked" | ""
	Error       string `json:"error,omitempty"`
}

// PollCertificate connects to the collector's websocket endpoint and
// repeatedly calls certificates.fetch until a valid certificate is
// installed, the context is cancelled, or an unrecoverable protocol error
// occurs. Three outcomes per fetch, per spec §4.4:
//   - a PEM certificate: validated (P9) and written; loop returns nil.
//   - "not yet signed": sleep ~10s, retry.
//   - "revoked": log a warning, keep polling (a replacement may be issued).
func PollCertificate(ctx context.Context, wsURL, agentID string, paths Paths, log *slog.Logger) error {
	u, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Errorf("enroll: invalid websocket url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("enroll: dial websocket: %w", err)
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req := fetchRequest{Method: "certificates.fetch"}
		req.Params.AgentID = agentID
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("enroll: write fetch request: %w", err)
		}

		var resp fetchResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("enroll: read fetch response: %w", err)
		}

		switch {
		case resp.Certificate != "":
			if err := ValidateAndWriteCert(paths, []byte(resp.Certificate)); err != nil {
				log.Error("enroll: rejected certificate, keep polling", "error", err)
				sleep(ctx, 10*time.Second)
				continue
			}
			return nil

		case strings.Contains(resp.Error, "t been signed yet"), resp.Status == "pending":
			sleep(ctx, 10*time.Second)

		case strings.Contains(resp.Error, "has been revoked"), resp.Status == "revoked":
			log.Warn("enroll: certificate has been revoked, waiting for replacement")
			sleep(ctx, 10*time.Second)

		default:
			return fmt.Errorf("enroll: unexpected fetch response: %+v", resp)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
