package cbconfig

import (
	"bufio"
	"context"
	"net/http"
	"strings"
)

// Watcher consumes the HTTP config-streaming surface of spec.md §6: an
// unbounded response body carrying newline-separated JSON objects,
// keepalive-separated by a blank line the way the real streaming endpoint
// does, per SPEC_FULL.md §5.3.
type Watcher struct {
	store  *Store
	client *http.Client

	// OnParseError, if set, is called with every config document that
	// fails to parse — the caller's event bus hook for
	// ConfigParsingFailure (spec.md §6).
	OnParseError func(error)
}

func NewWatcher(store *Store, client *http.Client) *Watcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Watcher{store: store, client: client}
}

// Run streams newline-separated config documents from url until ctx is
// canceled or the connection drops; each document is parsed and fed to the
// store. originHost is used for the node-derivation fallback of spec.md
// §4.3. Run returns the last error observed, or nil on clean cancellation.
func (w *Watcher) Run(ctx context.Context, url, originHost string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var chunk strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if chunk.Len() > 0 {
				w.ingestChunk(chunk.String(), originHost)
				chunk.Reset()
			}
			continue
		}
		chunk.WriteString(line)
	}

	if chunk.Len() > 0 {
		w.ingestChunk(chunk.String(), originHost)
	}

	return scanner.Err()
}

func (w *Watcher) ingestChunk(doc, originHost string) {
	cfg, err := Parse([]byte(doc), originHost)
	if err != nil {
		if w.OnParseError != nil {
			w.OnParseError(err)
		}
		return
	}
	w.store.Ingest(cfg)
}
