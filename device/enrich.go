package device

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/edgemesh/miiolink/ioerr"
)

// Enrich fetches miIO.info and records the reported model. If no token is
// present yet it is loaded from the external TokenStore first. At most
// one enrichment runs at a time per device; concurrent callers join the
// in-flight attempt rather than issuing a second miIO.info request.
func (d *Info) Enrich(ctx context.Context) error {
	d.mu.Lock()
	if d.enrich != nil {
		fut := d.enrich
		d.mu.Unlock()
		<-fut.done
		return fut.err
	}
	fut := &enrichFuture{done: make(chan struct{})}
	d.enrich = fut
	d.mu.Unlock()

	fut.err = d.runEnrich(ctx)

	d.mu.Lock()
	if d.enrich == fut {
		d.enrich = nil
	}
	d.mu.Unlock()
	close(fut.done)
	return fut.err
}

func (d *Info) runEnrich(ctx context.Context) error {
	hadToken := d.packet.Token() != [16]byte{}
	if !hadToken {
		if token, ok, err := d.tokens.Load(d.ID()); err == nil && ok {
			d.SetToken(token, false)
			hadToken = true
		}
	}

	result, err := d.Call(ctx, "miIO.info", nil, CallOptions{})
	if err != nil {
		ce := ioerr.Canonicalize(err)
		if strings.EqualFold(ce.Code, "missing-token") {
			return err
		}
		if hadToken {
			return ioerr.New("connection-failure", "enrichment failed with a known token")
		}
		return ioerr.New("missing-token", "no token available to enrich device")
	}

	var info struct {
		Model string `json:"model"`
	}
	if jerr := json.Unmarshal(result, &info); jerr != nil {
		return nil
	}

	d.mu.Lock()
	d.model = info.Model
	d.enriched = true
	d.tokenChanged = false
	d.mu.Unlock()
	return nil
}
