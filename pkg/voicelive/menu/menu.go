// Package menu provides the tenant menu context consumed by voice sessions:
// a compact textual menu, per-item voice aliases, the tax rate, and
// voice-triggered modifier rules. Contexts are immutable once built; refreshes
// rebuild, never mutate.
package menu

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type ModifierAction string

const (
	ActionRemoveIngredient  ModifierAction = "remove_ingredient"
	ActionAddModifier       ModifierAction = "add_modifier"
	ActionReplaceIngredient ModifierAction = "replace_ingredient"
)

// ModifierRule is a phrase-triggered transformation applied when resolving a
// function call against the menu.
type ModifierRule struct {
	TriggerPhrases    []string       `json:"trigger_phrases"`
	Action            ModifierAction `json:"action"`
	TargetName        string         `json:"target_name"`
	Replacement       string         `json:"replacement,omitempty"`
	PriceAdjustment   float64        `json:"price_adjustment"`
	ApplicableItemIDs []int64        `json:"applicable_item_ids,omitempty"`
}

type Item struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// Context is the tenant menu snapshot attached to one session. Shared by
// value: later changes to the canonical menu never reach an in-flight session.
type Context struct {
	TenantID      string
	FormattedMenu string
	ItemIDs       map[string]int64    // canonical name -> item id
	ItemAliases   map[string][]string // canonical name -> aliases
	TaxRate       float64
	ModifierRules []ModifierRule
	LoadedAt      time.Time
	SizeBytes     int
}

// ItemCount returns the number of usable menu items.
func (c Context) ItemCount() int {
	return len(c.ItemAliases)
}

// Copy returns a value-independent copy safe to hand to a session.
func (c Context) Copy() Context {
	out := c
	out.ItemIDs = make(map[string]int64, len(c.ItemIDs))
	for k, v := range c.ItemIDs {
		out.ItemIDs[k] = v
	}
	out.ItemAliases = make(map[string][]string, len(c.ItemAliases))
	for k, v := range c.ItemAliases {
		out.ItemAliases[k] = append([]string(nil), v...)
	}
	out.ModifierRules = make([]ModifierRule, len(c.ModifierRules))
	for i, rule := range c.ModifierRules {
		out.ModifierRules[i] = rule
		out.ModifierRules[i].TriggerPhrases = append([]string(nil), rule.TriggerPhrases...)
		out.ModifierRules[i].ApplicableItemIDs = append([]int64(nil), rule.ApplicableItemIDs...)
	}
	return out
}

// BuildContext assembles an immutable Context from fetched menu data.
func BuildContext(tenantID string, items []Item, taxRate float64, rules []ModifierRule, loadedAt time.Time) Context {
	ids := make(map[string]int64, len(items))
	aliases := make(map[string][]string, len(items))
	for _, item := range items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		ids[name] = item.ID
		cleaned := make([]string, 0, len(item.Aliases))
		for _, alias := range item.Aliases {
			alias = strings.TrimSpace(alias)
			if alias == "" {
				continue
			}
			cleaned = append(cleaned, alias)
		}
		aliases[name] = cleaned
	}

	formatted := formatMenu(aliases)
	return Context{
		TenantID:      tenantID,
		FormattedMenu: formatted,
		ItemIDs:       ids,
		ItemAliases:   aliases,
		TaxRate:       taxRate,
		ModifierRules: rules,
		LoadedAt:      loadedAt,
		SizeBytes:     len(formatted),
	}
}

func formatMenu(aliases map[string][]string) string {
	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("MENU\n")
	for _, name := range names {
		if len(aliases[name]) == 0 {
			fmt.Fprintf(&b, "- %s\n", name)
			continue
		}
		fmt.Fprintf(&b, "- %s (also: %s)\n", name, strings.Join(aliases[name], ", "))
	}
	return b.String()
}

// SummarizeRules renders a short modifier-rule digest for session
// instructions.
func SummarizeRules(rules []ModifierRule) string {
	if len(rules) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("MODIFIERS\n")
	for _, rule := range rules {
		if len(rule.TriggerPhrases) == 0 || strings.TrimSpace(rule.TargetName) == "" {
			continue
		}
		switch rule.Action {
		case ActionReplaceIngredient:
			fmt.Fprintf(&b, "- %q: replace %s with %s\n", strings.Join(rule.TriggerPhrases, "/"), rule.TargetName, rule.Replacement)
		case ActionAddModifier:
			fmt.Fprintf(&b, "- %q: add %s\n", strings.Join(rule.TriggerPhrases, "/"), rule.TargetName)
		default:
			fmt.Fprintf(&b, "- %q: remove %s\n", strings.Join(rule.TriggerPhrases, "/"), rule.TargetName)
		}
	}
	return b.String()
}
