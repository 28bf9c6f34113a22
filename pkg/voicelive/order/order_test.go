package order

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tablekit/voicelive/pkg/voicelive/events"
	"github.com/tablekit/voicelive/pkg/voicelive/menu"
	"github.com/tablekit/voicelive/pkg/voicelive/voerr"
)

func testMenu(t *testing.T) menu.Context {
	t.Helper()
	return menu.BuildContext("t1", []menu.Item{
		{ID: 1, Name: "Soul Bowl", Aliases: []string{"soul", "bowl", "sobo"}},
		{ID: 2, Name: "Greek Salad", Aliases: []string{"greek"}},
		{ID: 3, Name: "Greek Salad Family Size", Aliases: nil},
	}, 0.08, []menu.ModifierRule{
		{TriggerPhrases: []string{"no cheese"}, Action: menu.ActionRemoveIngredient, TargetName: "cheese"},
		{TriggerPhrases: []string{"extra dressing"}, Action: menu.ActionAddModifier, TargetName: "dressing", PriceAdjustment: 0.5},
		{TriggerPhrases: []string{"swap chicken"}, Action: menu.ActionReplaceIngredient, TargetName: "chicken", Replacement: "tofu", ApplicableItemIDs: []int64{1}},
	}, time.Now())
}

func addCall(t *testing.T, args string) events.PendingFunctionCall {
	t.Helper()
	return events.PendingFunctionCall{CallID: "c1", Name: "add_item", RawArguments: json.RawMessage(args)}
}

func TestResolveAliasFromUtterance(t *testing.T) {
	b := NewBridge(testMenu(t))
	mut, err := b.Resolve(addCall(t, `{"item_name":"I'll get the sobo"}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mut.ItemName != "Soul Bowl" || mut.ItemID != 1 {
		t.Fatalf("resolved %q (id=%d), want Soul Bowl (1)", mut.ItemName, mut.ItemID)
	}
	if mut.Quantity != 1 {
		t.Fatalf("Quantity=%d, want default 1", mut.Quantity)
	}
}

func TestResolveUnknownItemCarriesBestGuess(t *testing.T) {
	b := NewBridge(testMenu(t))
	_, err := b.Resolve(addCall(t, `{"item_name":"I'll get the xyz123"}`))
	if !voerr.IsKind(err, voerr.KindItemNotFound) {
		t.Fatalf("err=%v, want item_not_found", err)
	}
	var ve *voerr.Error
	if !errors.As(err, &ve) {
		t.Fatalf("err=%T, want *voerr.Error", err)
	}
	if ve.BestGuess == "" || ve.AliasDistance <= 0 {
		t.Fatalf("best guess %q distance %d, want populated", ve.BestGuess, ve.AliasDistance)
	}
}

func TestResolveExactBeatsSubstringAndPrefersShortest(t *testing.T) {
	b := NewBridge(testMenu(t))

	mut, err := b.Resolve(addCall(t, `{"item_name":"greek salad"}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mut.ItemName != "Greek Salad" {
		t.Fatalf("resolved %q, want exact match Greek Salad", mut.ItemName)
	}

	// "salad" matches both salads by substring; the shorter canonical wins.
	mut, err = b.Resolve(addCall(t, `{"item_name":"salad"}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mut.ItemName != "Greek Salad" {
		t.Fatalf("resolved %q, want shortest canonical Greek Salad", mut.ItemName)
	}
}

func TestModifierRuleRemovesIngredient(t *testing.T) {
	b := NewBridge(testMenu(t))
	mut, err := b.Resolve(addCall(t, `{"item_name":"greek","modifiers":["no cheese on the greek"]}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mut.ItemName != "Greek Salad" {
		t.Fatalf("resolved %q, want Greek Salad", mut.ItemName)
	}
	if len(mut.Removed) != 1 || mut.Removed[0] != "cheese" {
		t.Fatalf("Removed=%v, want [cheese]", mut.Removed)
	}
}

func TestModifierRuleScopedToOtherItemIsSkipped(t *testing.T) {
	b := NewBridge(testMenu(t))

	// swap chicken applies only to the Soul Bowl.
	mut, err := b.Resolve(addCall(t, `{"item_name":"greek","modifiers":["swap chicken please"]}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(mut.Replaced) != 0 {
		t.Fatalf("Replaced=%v, want rule skipped for Greek Salad", mut.Replaced)
	}

	mut, err = b.Resolve(addCall(t, `{"item_name":"sobo","modifiers":["swap chicken please"]}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(mut.Replaced) != 1 || mut.Replaced[0] != "chicken -> tofu" {
		t.Fatalf("Replaced=%v, want chicken -> tofu", mut.Replaced)
	}
}

func TestModifierPriceAdjustmentAccumulates(t *testing.T) {
	b := NewBridge(testMenu(t))
	mut, err := b.Resolve(addCall(t, `{"item_name":"greek","modifiers":["extra dressing","extra dressing on the side"]}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mut.PriceAdjustment != 1.0 {
		t.Fatalf("PriceAdjustment=%v, want 1.0", mut.PriceAdjustment)
	}
	if len(mut.Added) != 2 {
		t.Fatalf("Added=%v, want dressing twice", mut.Added)
	}
}

func TestRemoveAndConfirm(t *testing.T) {
	b := NewBridge(testMenu(t))

	mut, err := b.Resolve(events.PendingFunctionCall{Name: "remove_item", RawArguments: json.RawMessage(`{"item_name":"sobo"}`)})
	if err != nil {
		t.Fatalf("remove_item: %v", err)
	}
	if mut.Kind != MutationRemove || mut.ItemName != "Soul Bowl" {
		t.Fatalf("mutation=%+v, want remove Soul Bowl", mut)
	}

	mut, err = b.Resolve(events.PendingFunctionCall{Name: "confirm_order", RawArguments: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("confirm_order: %v", err)
	}
	if mut.Kind != MutationConfirm {
		t.Fatalf("Kind=%s, want confirm", mut.Kind)
	}
}

func TestUnknownFunctionAndBadArguments(t *testing.T) {
	b := NewBridge(testMenu(t))

	if _, err := b.Resolve(events.PendingFunctionCall{Name: "void_order"}); !voerr.IsKind(err, voerr.KindResolution) {
		t.Fatalf("unknown function err=%v, want resolution_error", err)
	}
	if _, err := b.Resolve(addCall(t, `{not json`)); !voerr.IsKind(err, voerr.KindResolution) {
		t.Fatalf("bad args err=%v, want resolution_error", err)
	}
	if _, err := b.Resolve(addCall(t, `{"item_name":"  "}`)); !voerr.IsKind(err, voerr.KindResolution) {
		t.Fatalf("blank name err=%v, want resolution_error", err)
	}
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"sobo", "sobo", 0},
		{"sobo", "soba", 1},
		{"greek", "geek", 1},
		{"kitten", "sitting", 3},
	}
	for _, c := range cases {
		if got := editDistance(c.a, c.b); got != c.want {
			t.Fatalf("editDistance(%q,%q)=%d, want %d", c.a, c.b, got, c.want)
		}
	}
}
