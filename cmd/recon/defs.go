package main

import (
	"github.com/giftline/recon/pkg/deftable"
	"github.com/giftline/recon/pkg/native"
)

// Node types of the gift ledger.
const (
	tPage deftable.TypeID = iota + 1
	tTitle
	tLedger
	tGift
	tPreview
)

func element(kind string) func(native.Host) []native.Handle {
	return func(h native.Host) []native.Handle { return []native.Handle{h.Create(kind)} }
}

// ledgerDefs returns the definitions of the gift ledger. Previews are
// deferred: they show a placeholder until the follow-up of their flush.
func ledgerDefs(debug bool) (*deftable.Table, error) {
	defs := []deftable.Def{
		{Type: tPage, Name: "page", Materialize: element("page"), Route: deftable.RouteArray},
		{Type: tTitle, Name: "title", Materialize: element("title"),
			Slots: []deftable.Slot{{Name: "text"}}},
		{Type: tLedger, Name: "ledger", Materialize: element("ledger"), Route: deftable.RouteVirtualList},
		{Type: tGift, Name: "gift", Materialize: element("gift"),
			Slots: []deftable.Slot{{Name: "name"}, {Name: "recipient"}, {Name: "price"}, {Name: "tags"}}},
		{Type: tPreview, Name: "preview", Materialize: element("preview"), Deferred: true,
			Slots: []deftable.Slot{{Name: "name"}}},
	}
	var ds []*deftable.Def
	for _, d := range defs {
		def, err := deftable.NewDef(d)
		if err != nil {
			return nil, err
		}
		ds = append(ds, def)
	}
	return deftable.New(debug, ds...)
}
