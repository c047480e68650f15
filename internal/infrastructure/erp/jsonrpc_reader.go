// Package erp reads ledger documents from the ERP over its JSON-RPC API.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/domain/shared"
	"github.com/erp/fiscalsync/internal/infrastructure/config"
	"github.com/shopspring/decimal"
)

const maxResponseSize = 4 << 20

// ErrRPC is returned when the ERP answers with a JSON-RPC error object
var ErrRPC = errors.New("erp rpc error")

var documentFields = []string{"id", "name", "move_type", "state", "amount_total", "invoice_date", "partner_id"}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// moveRecord mirrors the fields read. Unset many2one and date fields arrive as false.
type moveRecord struct {
	ID          int64           `json:"id"`
	Name        any             `json:"name"`
	MoveType    string          `json:"move_type"`
	State       string          `json:"state"`
	AmountTotal json.Number     `json:"amount_total"`
	InvoiceDate any             `json:"invoice_date"`
	PartnerID   json.RawMessage `json:"partner_id"`
}

// Reader implements fiscal.DocumentReader with object.execute_kw read calls
type Reader struct {
	url        string
	db         string
	uid        int
	apiKey     string
	model      string
	httpClient *http.Client
	seq        atomic.Int64
}

// NewReader creates a Reader from configuration
func NewReader(cfg config.ERPConfig) (*Reader, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("erp: url is required")
	}
	model := cfg.Model
	if model == "" {
		model = "account.move"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reader{
		url:        cfg.URL,
		db:         cfg.DB,
		uid:        cfg.UID,
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Read fetches one document by its numeric ERP id
func (r *Reader) Read(ctx context.Context, externalID string) (*fiscal.Document, error) {
	id, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return nil, fiscal.ErrInvalidExternalID
	}

	var records []moveRecord
	args := []any{r.db, r.uid, r.apiKey, r.model, "read", []any{[]int64{id}}, map[string]any{"fields": documentFields}}
	if err := r.call(ctx, "object", "execute_kw", args, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, shared.NewDomainError(shared.ErrNotFound.Code, fmt.Sprintf("document %s not found in %s", externalID, r.model))
	}
	return records[0].toDocument()
}

func (r *Reader) call(ctx context.Context, service, method string, args []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      r.seq.Add(1),
	})
	if err != nil {
		return fmt.Errorf("erp: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("erp: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("erp: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("erp: failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("erp: HTTP %d", resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("erp: invalid response: %w", err)
	}
	if envelope.Error != nil {
		msg := envelope.Error.Data.Message
		if msg == "" {
			msg = envelope.Error.Message
		}
		return fmt.Errorf("%w: %s", ErrRPC, msg)
	}

	dec := json.NewDecoder(bytes.NewReader(envelope.Result))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("erp: invalid result: %w", err)
	}
	return nil
}

func (m moveRecord) toDocument() (*fiscal.Document, error) {
	total := decimal.Zero
	if m.AmountTotal != "" {
		d, err := decimal.NewFromString(m.AmountTotal.String())
		if err != nil {
			return nil, fmt.Errorf("erp: invalid amount_total %q: %w", m.AmountTotal, err)
		}
		total = d
	}

	doc := &fiscal.Document{
		ID:    strconv.FormatInt(m.ID, 10),
		Kind:  m.MoveType,
		State: m.State,
		Total: total,
	}
	if name, ok := m.Name.(string); ok {
		doc.Number = name
	}
	if s, ok := m.InvoiceDate.(string); ok {
		if t, err := time.Parse(time.DateOnly, s); err == nil {
			doc.IssuedAt = t
		}
	}

	// many2one: [id, "display name"] or false
	var partner []any
	if err := json.Unmarshal(m.PartnerID, &partner); err == nil && len(partner) > 0 {
		if f, ok := partner[0].(float64); ok {
			doc.PartnerID = strconv.FormatInt(int64(f), 10)
		}
	}
	return doc, nil
}
