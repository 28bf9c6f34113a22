// Package order resolves speech function calls against a session's menu
// context, producing validated cart mutations. The bridge never touches cart
// state itself; applying a mutation belongs to the order-management caller.
package order

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tablekit/voicelive/pkg/voicelive/events"
	"github.com/tablekit/voicelive/pkg/voicelive/menu"
	"github.com/tablekit/voicelive/pkg/voicelive/voerr"
)

type MutationKind string

const (
	MutationAdd     MutationKind = "add"
	MutationRemove  MutationKind = "remove"
	MutationConfirm MutationKind = "confirm"
)

// CartMutation is a validated, not-yet-applied change to the order.
type CartMutation struct {
	Kind            MutationKind `json:"kind"`
	ItemName        string       `json:"item_name,omitempty"`
	ItemID          int64        `json:"item_id,omitempty"`
	Quantity        int          `json:"quantity,omitempty"`
	Removed         []string     `json:"removed,omitempty"`
	Added           []string     `json:"added,omitempty"`
	Replaced        []string     `json:"replaced,omitempty"`
	PriceAdjustment float64      `json:"price_adjustment,omitempty"`
}

type addItemArgs struct {
	ItemName  string   `json:"item_name"`
	Quantity  int      `json:"quantity"`
	Modifiers []string `json:"modifiers"`
}

type removeItemArgs struct {
	ItemName string `json:"item_name"`
}

// Bridge resolves function calls for one session.
type Bridge struct {
	mc menu.Context
}

func NewBridge(mc menu.Context) *Bridge {
	return &Bridge{mc: mc}
}

// Resolve turns a function call into a cart mutation or a resolution error.
func (b *Bridge) Resolve(call events.PendingFunctionCall) (CartMutation, error) {
	switch call.Name {
	case "add_item":
		var args addItemArgs
		if err := json.Unmarshal(call.RawArguments, &args); err != nil {
			return CartMutation{}, voerr.Wrap(voerr.KindResolution, "decode add_item arguments", err)
		}
		return b.resolveAdd(args)
	case "remove_item":
		var args removeItemArgs
		if err := json.Unmarshal(call.RawArguments, &args); err != nil {
			return CartMutation{}, voerr.Wrap(voerr.KindResolution, "decode remove_item arguments", err)
		}
		name, id, err := b.matchItem(args.ItemName)
		if err != nil {
			return CartMutation{}, err
		}
		return CartMutation{Kind: MutationRemove, ItemName: name, ItemID: id}, nil
	case "confirm_order":
		return CartMutation{Kind: MutationConfirm}, nil
	default:
		return CartMutation{}, voerr.Resolution(fmt.Sprintf("unknown function %q", call.Name))
	}
}

func (b *Bridge) resolveAdd(args addItemArgs) (CartMutation, error) {
	name, id, err := b.matchItem(args.ItemName)
	if err != nil {
		return CartMutation{}, err
	}
	qty := args.Quantity
	if qty <= 0 {
		qty = 1
	}
	mut := CartMutation{Kind: MutationAdd, ItemName: name, ItemID: id, Quantity: qty}
	for _, raw := range args.Modifiers {
		b.applyModifier(&mut, raw)
	}
	return mut, nil
}

// applyModifier applies every rule whose trigger phrase appears in the spoken
// modifier text. Rules scoped to other items are skipped.
func (b *Bridge) applyModifier(mut *CartMutation, spoken string) {
	lowered := strings.ToLower(spoken)
	for _, rule := range b.mc.ModifierRules {
		if !triggered(rule.TriggerPhrases, lowered) {
			continue
		}
		if len(rule.ApplicableItemIDs) > 0 && !containsID(rule.ApplicableItemIDs, mut.ItemID) {
			continue
		}
		switch rule.Action {
		case menu.ActionRemoveIngredient:
			mut.Removed = append(mut.Removed, rule.TargetName)
		case menu.ActionAddModifier:
			mut.Added = append(mut.Added, rule.TargetName)
		case menu.ActionReplaceIngredient:
			mut.Replaced = append(mut.Replaced, rule.TargetName+" -> "+rule.Replacement)
		}
		mut.PriceAdjustment += rule.PriceAdjustment
	}
}

func triggered(phrases []string, lowered string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(lowered, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// matchItem resolves a spoken name to a canonical item: case-insensitive
// exact match on names and aliases first, then substring match, ties broken
// toward the shortest canonical name. Unresolvable names carry the best guess
// and its edit distance so the caller can ask for clarification.
func (b *Bridge) matchItem(requested string) (string, int64, error) {
	spoken := strings.ToLower(strings.TrimSpace(requested))
	if spoken == "" {
		return "", 0, voerr.Resolution("empty item name")
	}

	var exact, partial []string
	for canonical, aliases := range b.mc.ItemAliases {
		names := append([]string{canonical}, aliases...)
		for _, name := range names {
			lowered := strings.ToLower(name)
			if lowered == spoken {
				exact = append(exact, canonical)
				break
			}
			if strings.Contains(lowered, spoken) || strings.Contains(spoken, lowered) {
				partial = append(partial, canonical)
				break
			}
		}
	}

	if name := shortest(exact); name != "" {
		return name, b.mc.ItemIDs[name], nil
	}
	if name := shortest(partial); name != "" {
		return name, b.mc.ItemIDs[name], nil
	}

	guess, distance := b.bestGuess(spoken)
	return "", 0, voerr.ItemNotFound(requested, guess, distance)
}

func shortest(candidates []string) string {
	best := ""
	for _, c := range candidates {
		if best == "" || len(c) < len(best) || (len(c) == len(best) && c < best) {
			best = c
		}
	}
	return best
}

func (b *Bridge) bestGuess(spoken string) (string, int) {
	best, bestDist := "", -1
	for canonical, aliases := range b.mc.ItemAliases {
		for _, name := range append([]string{canonical}, aliases...) {
			d := editDistance(spoken, strings.ToLower(name))
			if bestDist < 0 || d < bestDist || (d == bestDist && canonical < best) {
				best, bestDist = canonical, d
			}
		}
	}
	return best, bestDist
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
