package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/klauspost/compress/zip"

	"github.com/uhthomas/photozip/pkg/photozip"
)

// FetchCommand downloads an archive and refuses to keep it unless the server
// vouched for every byte.
type FetchCommand struct {
	URL        *url.URL
	Identifier string
	Out        string
	List       bool
	Insecure   bool
}

func (f *FetchCommand) Do(ctx context.Context, stdout io.Writer) (err error) {
	out := f.Out
	if out == "" {
		out = f.Identifier + ".zip"
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if f.Insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	c := &photozip.Client{URL: f.URL, HTTPClient: &http.Client{Transport: tr}}

	file, err := os.Create(out)
	if err != nil {
		return err
	}
	defer func() {
		if e := file.Close(); err == nil {
			err = e
		}
		if err != nil {
			os.Remove(out)
		}
	}()

	n, err := c.Fetch(ctx, f.Identifier, file)
	if errors.Is(err, photozip.ErrNotFound) {
		return fmt.Errorf("archive %q does not exist", f.Identifier)
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", f.Identifier, err)
	}
	fmt.Fprintf(stdout, "%s: %d bytes\n", out, n)

	if !f.List {
		return nil
	}
	return list(stdout, file, n)
}

// list prints the name and size of every file in the archive.
func list(w io.Writer, r io.ReaderAt, size int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, f := range zr.File {
		fmt.Fprintf(tw, "%s\t%d\n", f.Name, f.UncompressedSize64)
	}
	return tw.Flush()
}
