package oracle

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// BlobEvidence loads a market's evidence bundle from object storage under
// evidence/<marketID>/. Text objects are inlined; anything else is passed to
// the oracle by reference.
type BlobEvidence struct {
	reader   domain.BlobReader
	prefix   string
	maxBytes int64
	maxItems int
}

// NewBlobEvidence creates an evidence loader. maxBytes caps each inlined object.
func NewBlobEvidence(reader domain.BlobReader, maxItems int, maxBytes int64) *BlobEvidence {
	if maxItems <= 0 {
		maxItems = 20
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 10
	}
	return &BlobEvidence{reader: reader, prefix: "evidence", maxItems: maxItems, maxBytes: maxBytes}
}

func (e *BlobEvidence) Evidence(ctx context.Context, marketID string) ([]domain.EvidenceItem, error) {
	infos, err := e.reader.List(ctx, path.Join(e.prefix, marketID)+"/")
	if err != nil {
		return nil, fmt.Errorf("oracle/evidence: list %s: %w", marketID, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	if len(infos) > e.maxItems {
		infos = infos[:e.maxItems]
	}

	items := make([]domain.EvidenceItem, 0, len(infos))
	for _, info := range infos {
		item := domain.EvidenceItem{Ref: info.Path, ContentType: info.ContentType}
		if isText(info) {
			text, err := e.read(ctx, info.Path)
			if err != nil {
				return nil, fmt.Errorf("oracle/evidence: read %s: %w", info.Path, err)
			}
			item.Text = text
		}
		items = append(items, item)
	}
	return items, nil
}

func (e *BlobEvidence) read(ctx context.Context, p string) (string, error) {
	rc, err := e.reader.Get(ctx, p)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, e.maxBytes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isText(info domain.BlobInfo) bool {
	if strings.HasPrefix(info.ContentType, "text/") || info.ContentType == "application/json" {
		return true
	}
	switch strings.ToLower(path.Ext(info.Path)) {
	case ".txt", ".md", ".json":
		return true
	}
	return false
}

var _ domain.EvidenceSource = (*BlobEvidence)(nil)
