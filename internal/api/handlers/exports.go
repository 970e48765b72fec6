package handlers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"cartograph/internal/core"
	"cartograph/internal/tiering"
	"cartograph/internal/types"
)

// maxExportRows is the hard server-side cap for one export, applied on top
// of the tier's per-view row limit.
const maxExportRows = 50000

// creditsPerExport is the ledger cost of one export call, independent of
// row count.
const creditsPerExport = 1

// ExportDomainStore is the repository surface for CSV exports.
type ExportDomainStore interface {
	CountMatching(ctx context.Context, filter types.DomainFilter, max int) (int, error)
	ListForExport(ctx context.Context, filter types.DomainFilter, limit int) ([]*types.Domain, error)
}

// ExportLedger reads workspace usage and deducts export credits.
type ExportLedger interface {
	GetByID(ctx context.Context, id string) (*types.Workspace, error)
	IncrementExportCredits(ctx context.Context, workspaceID string, n int) (int, error)
}

// ExportsHandler streams tier-masked CSV exports of the domain index.
type ExportsHandler struct {
	domains ExportDomainStore
	ledger  ExportLedger
	catalog *tiering.Catalog
	masker  *tiering.Masker
	logger  *slog.Logger
}

// NewExportsHandler wires an ExportsHandler.
func NewExportsHandler(domains ExportDomainStore, ledger ExportLedger, catalog *tiering.Catalog, l *slog.Logger) *ExportsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &ExportsHandler{
		domains: domains,
		ledger:  ledger,
		catalog: catalog,
		masker:  tiering.NewMasker(catalog),
		logger:  l,
	}
}

// RegisterRoutes mounts the export route on the provided router.
func (h *ExportsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/domains/export", h.Export)
}

// Export handles GET /v1/domains/export.
//
// The filter is priced before any rows are fetched: the matching row count
// must fit the tier's per-view cap and one export credit must remain. The
// credit is deducted after the rows are loaded and before streaming starts,
// so a failed fetch costs nothing and a broken client connection mid-stream
// still consumes the credit it was served.
func (h *ExportsHandler) Export(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	filter, err := parseDomainFilter(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	ws, err := h.ledger.GetByID(r.Context(), actor.WorkspaceID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	gate := tiering.NewGate(h.catalog, actor.Tier)
	if err := gate.CheckExportCredits(ws.ExportCreditsUsed, creditsPerExport); err != nil {
		core.Error(w, r, err)
		return
	}

	rowCap := maxExportRows
	if limit := gate.RowLimit(); limit != nil && *limit < rowCap {
		rowCap = *limit
	}
	count, err := h.domains.CountMatching(r.Context(), filter, rowCap+1)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if err := gate.CheckRowLimit(count); err != nil {
		core.Error(w, r, err)
		return
	}
	if count > maxExportRows {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeRowLimitExceeded,
			"export exceeds the maximum row count, narrow the filter",
			nil,
			map[string]any{"limit": maxExportRows, "requested": count},
		))
		return
	}

	rows, err := h.domains.ListForExport(r.Context(), filter, rowCap)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if _, err := h.ledger.IncrementExportCredits(r.Context(), actor.WorkspaceID, creditsPerExport); err != nil {
		core.Error(w, r, err)
		return
	}

	filename := fmt.Sprintf("cartograph-export-%s.csv", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	var out io.Writer = w
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		out = gz
	}
	w.WriteHeader(http.StatusOK)

	if err := h.writeCSV(out, rows, actor.Tier); err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		h.logger.ErrorContext(r.Context(), "export stream aborted",
			slog.String("workspace_id", actor.WorkspaceID),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.InfoContext(r.Context(), "export served",
		slog.String("workspace_id", actor.WorkspaceID),
		slog.Int("rows", len(rows)),
	)
}

// writeCSV streams the masked rows: one column per scalar, one JSON column
// per field group. Gated groups render as empty cells.
func (h *ExportsHandler) writeCSV(out io.Writer, rows []*types.Domain, tier types.Tier) error {
	cw := csv.NewWriter(out)

	header := append([]string{}, tiering.AlwaysVisibleFields...)
	header = append(header, tiering.FieldGroupNames...)
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, d := range rows {
		masked := h.masker.Mask(d, tier)
		record := []string{
			masked.Scalars.DomainID,
			masked.Scalars.Domain,
			masked.Scalars.Country,
			masked.Scalars.TLD,
			string(masked.Scalars.Status),
			masked.Scalars.FirstSeenAt.UTC().Format(time.RFC3339),
			masked.Scalars.LastUpdatedAt.UTC().Format(time.RFC3339),
			masked.Scalars.SchemaVersion,
		}
		for _, group := range tiering.FieldGroupNames {
			blob := masked.Groups[group]
			if blob == nil {
				record = append(record, "")
				continue
			}
			cell, err := json.Marshal(blob)
			if err != nil {
				return err
			}
			record = append(record, string(cell))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
