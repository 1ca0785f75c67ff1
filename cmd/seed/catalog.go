package main

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/shepherd-ops/shepherd/internal/rbac"
)

var titleCaser = cases.Title(language.English)

// loadCatalog reads a YAML permission catalog and fills in display names.
func loadCatalog(path string) (rbac.Catalog, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return rbac.Catalog{}, fmt.Errorf("load catalog %s: %w", path, err)
	}
	var catalog rbac.Catalog
	if err := k.UnmarshalWithConf("", &catalog, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return rbac.Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if err := checkCatalog(catalog); err != nil {
		return rbac.Catalog{}, err
	}
	for i := range catalog.Permissions {
		if catalog.Permissions[i].DisplayName == "" {
			catalog.Permissions[i].DisplayName = displayName(catalog.Permissions[i].Name)
		}
	}
	for i := range catalog.Roles {
		if catalog.Roles[i].DisplayName == "" {
			catalog.Roles[i].DisplayName = displayName(catalog.Roles[i].Name)
		}
	}
	return catalog, nil
}

// checkCatalog rejects roles that reference permissions the catalog does not declare.
func checkCatalog(catalog rbac.Catalog) error {
	declared := make(map[string]struct{}, len(catalog.Permissions))
	for _, p := range catalog.Permissions {
		declared[strings.ToLower(strings.TrimSpace(p.Name))] = struct{}{}
	}
	for _, role := range catalog.Roles {
		for _, name := range role.Permissions {
			if _, ok := declared[strings.ToLower(strings.TrimSpace(name))]; !ok {
				return fmt.Errorf("role %s references undeclared permission %s", role.Name, name)
			}
		}
	}
	return nil
}

// displayName turns "attendance.approve" into "Attendance Approve".
func displayName(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})
	return titleCaser.String(strings.Join(words, " "))
}
