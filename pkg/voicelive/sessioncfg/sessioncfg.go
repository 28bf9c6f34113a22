// Package sessioncfg mints short-lived speech credentials and assembles the
// session.configure payload for a tenant: role prompt, formatted menu,
// available cart actions, and modifier summary, truncated to the instruction
// budget.
package sessioncfg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tablekit/voicelive/pkg/voicelive/menu"
	"github.com/tablekit/voicelive/pkg/voicelive/protocol"
	"github.com/tablekit/voicelive/pkg/voicelive/voerr"
)

// ContextKind selects the instruction register for the session.
type ContextKind string

const (
	KindKiosk ContextKind = "kiosk"
	KindStaff ContextKind = "staff"
)

const truncationMarker = "[menu truncated]"

// Credential is a short-lived token for one speech connection.
type Credential struct {
	Token     string    `json:"credential"`
	ExpiresAt time.Time `json:"expires_at"`
}

type credentialRequest struct {
	TenantID    string `json:"tenant_id"`
	ContextKind string `json:"context_kind"`
}

// Minter obtains per-session speech credentials.
type Minter interface {
	Mint(ctx context.Context, tenantID string, kind ContextKind) (Credential, error)
}

// HTTPMinter mints credentials from the platform credential endpoint.
type HTTPMinter struct {
	url    string
	client *http.Client
}

func NewHTTPMinter(url string, client *http.Client) *HTTPMinter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPMinter{url: url, client: client}
}

func (m *HTTPMinter) Mint(ctx context.Context, tenantID string, kind ContextKind) (Credential, error) {
	body, err := json.Marshal(credentialRequest{TenantID: tenantID, ContextKind: string(kind)})
	if err != nil {
		return Credential{}, voerr.Wrap(voerr.KindConfig, "encode credential request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return Credential{}, voerr.Wrap(voerr.KindConfig, "build credential request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return Credential{}, voerr.Wrap(voerr.KindConfig, "credential service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Credential{}, voerr.New(voerr.KindConfig, fmt.Sprintf("credential service returned %d", resp.StatusCode))
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return Credential{}, voerr.Wrap(voerr.KindConfig, "decode credential response", err)
	}
	if strings.TrimSpace(cred.Token) == "" {
		return Credential{}, voerr.New(voerr.KindConfig, "credential service returned a blank credential")
	}
	return cred, nil
}

// Builder assembles the configure frame from a minted credential and a menu
// context.
type Builder struct {
	minter              Minter
	maxInstructionBytes int
	maxPayloadBytes     int
}

func NewBuilder(minter Minter, maxInstructionBytes, maxPayloadBytes int) *Builder {
	return &Builder{
		minter:              minter,
		maxInstructionBytes: maxInstructionBytes,
		maxPayloadBytes:     maxPayloadBytes,
	}
}

// SessionPlan is everything needed to open and configure one speech
// connection. Menu is the context as configured: an oversized formatted menu
// is truncated before it is attached to a session, so size_bytes reflects
// what the session actually carries.
type SessionPlan struct {
	Credential Credential
	Configure  protocol.SessionConfigure
	Menu       menu.Context
}

// Build mints a credential and produces the configure frame for the session.
func (b *Builder) Build(ctx context.Context, mc menu.Context, kind ContextKind) (SessionPlan, error) {
	if mc.ItemCount() == 0 {
		return SessionPlan{}, voerr.MenuUnavailable(mc.TenantID)
	}
	cred, err := b.minter.Mint(ctx, mc.TenantID, kind)
	if err != nil {
		return SessionPlan{}, err
	}
	bounded := b.boundContext(mc)
	instructions := b.Instructions(bounded, kind)
	return SessionPlan{
		Credential: cred,
		Configure:  protocol.NewSessionConfigure(instructions, CartTools(), b.maxPayloadBytes),
		Menu:       bounded,
	}, nil
}

// boundContext caps the formatted menu at the instruction budget. The
// original context is left untouched.
func (b *Builder) boundContext(mc menu.Context) menu.Context {
	if mc.SizeBytes <= b.maxInstructionBytes {
		return mc
	}
	out := mc.Copy()
	out.FormattedMenu = Truncate(out.FormattedMenu, b.maxInstructionBytes)
	out.SizeBytes = len(out.FormattedMenu)
	return out
}

// Instructions renders the full prompt for the tenant and truncates it to the
// instruction budget with a visible marker.
func (b *Builder) Instructions(mc menu.Context, kind ContextKind) string {
	var sb strings.Builder
	sb.WriteString(rolePrompt(kind))
	sb.WriteString("\n\n")
	sb.WriteString(mc.FormattedMenu)
	if summary := menu.SummarizeRules(mc.ModifierRules); summary != "" {
		sb.WriteString("\n")
		sb.WriteString(summary)
	}
	fmt.Fprintf(&sb, "\nThe local tax rate is %.4f. Confirm the full order back to the guest before calling confirm_order.\n", mc.TaxRate)

	return Truncate(sb.String(), b.maxInstructionBytes)
}

// Truncate caps s at limit bytes, replacing the tail with the truncation
// marker. Cuts land on a rune boundary.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	keep := limit - len(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && s[keep]&0xC0 == 0x80 {
		keep--
	}
	return s[:keep] + truncationMarker
}

func rolePrompt(kind ContextKind) string {
	switch kind {
	case KindStaff:
		return "You take voice orders relayed by restaurant staff. Staff speak in shorthand; resolve abbreviations against the menu and keep confirmations terse."
	default:
		return "You take voice orders from guests at a self-service kiosk. Be warm and brief, resolve casual item names against the menu, and confirm each change."
	}
}

// CartTools lists the function calls the speech service may issue against the
// order.
func CartTools() []protocol.FunctionSpec {
	return []protocol.FunctionSpec{
		{
			Name:        "add_item",
			Description: "Add a menu item to the order, with any spoken modifiers.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"item_name":{"type":"string"},"quantity":{"type":"integer","minimum":1},"modifiers":{"type":"array","items":{"type":"string"}}},"required":["item_name"]}`),
		},
		{
			Name:        "remove_item",
			Description: "Remove a previously added item from the order.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"item_name":{"type":"string"}},"required":["item_name"]}`),
		},
		{
			Name:        "confirm_order",
			Description: "Finalize the order after reading it back to the guest.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
	}
}
