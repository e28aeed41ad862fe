package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/giftline/recon/pkg/author"
	"github.com/giftline/recon/pkg/deftable"
)

var (
	errUnknownType = errors.New("unknown node type")
	errUnknownSlot = errors.New("unknown attribute")
)

// sceneNode is a node of a scene file. Attributes are named after the slots
// of the type.
type sceneNode struct {
	Type     string         `yaml:"type"`
	Key      string         `yaml:"key"`
	Attrs    map[string]any `yaml:"attrs"`
	Children []sceneNode    `yaml:"children"`
}

func loadScene(path string, defs *deftable.Table) (author.Desc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return author.Desc{}, err
	}
	d, err := parseScene(data, defs)
	if err != nil {
		return author.Desc{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func parseScene(data []byte, defs *deftable.Table) (author.Desc, error) {
	var root sceneNode
	if err := yaml.Unmarshal(data, &root); err != nil {
		return author.Desc{}, err
	}
	byName := make(map[string]*deftable.Def)
	for _, id := range defs.Types() {
		def, _ := defs.Lookup(id)
		byName[def.Name] = def
	}
	return describe(root, byName, "/")
}

func describe(n sceneNode, byName map[string]*deftable.Def, path string) (author.Desc, error) {
	def := byName[n.Type]
	if def == nil {
		return author.Desc{}, fmt.Errorf("%s: %q: %w", path, n.Type, errUnknownType)
	}
	d := author.Desc{Type: def.Type, Key: n.Key}
	if len(n.Attrs) > 0 {
		d.Attrs = make([]any, def.NSlots())
		found := 0
		for i, s := range def.Slots {
			if v, ok := n.Attrs[s.Name]; ok {
				d.Attrs[i] = v
				found++
			}
		}
		if found < len(n.Attrs) {
			for name := range n.Attrs {
				if !hasSlot(def, name) {
					return author.Desc{}, fmt.Errorf("%s: %s has no %q: %w", path, n.Type, name, errUnknownSlot)
				}
			}
		}
	}
	for i, c := range n.Children {
		cd, err := describe(c, byName, fmt.Sprintf("%s%s[%d]/", path, n.Type, i))
		if err != nil {
			return author.Desc{}, err
		}
		d.Children = append(d.Children, cd)
	}
	return d, nil
}

func hasSlot(def *deftable.Def, name string) bool {
	for _, s := range def.Slots {
		if s.Name == name {
			return true
		}
	}
	return false
}
