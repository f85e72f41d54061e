package photozip

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/minio/blake2b-simd"
)

var (
	// ErrTruncated is returned when the archive stream ended abruptly.
	ErrTruncated = errors.New("photozip: archive stream truncated")
	// ErrIncomplete is returned when the stream ended cleanly but the server
	// did not vouch for it with a checksum, which happens when the archive
	// process failed part way.
	ErrIncomplete = errors.New("photozip: archive incomplete")
	// ErrChecksum is returned when the received bytes do not match the
	// checksum sent by the server.
	ErrChecksum = errors.New("photozip: archive checksum mismatch")
)

// Client downloads archives from a photozip server.
type Client struct {
	URL        *url.URL
	HTTPClient *http.Client
}

// Fetch writes the archive for id to w and verifies it against the checksum
// trailer. w may have received a partial archive when an error is returned.
func (c *Client) Fetch(ctx context.Context, id string, w io.Writer) (int64, error) {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	u := c.URL.JoinPath("archive", id+"/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	res, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, ErrNotFound
	default:
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return 0, fmt.Errorf("photozip: unexpected status %s: %s", res.Status, bytes.TrimSpace(b))
	}

	h := blake2b.New512()
	n, err := io.Copy(io.MultiWriter(w, h), res.Body)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return n, ErrTruncated
	}
	if err != nil {
		return n, err
	}

	want := res.Trailer.Get(ChecksumTrailer)
	if want == "" {
		return n, ErrIncomplete
	}
	sum, err := base64.RawURLEncoding.DecodeString(want)
	if err != nil || !bytes.Equal(sum, h.Sum(nil)) {
		return n, ErrChecksum
	}
	return n, nil
}
