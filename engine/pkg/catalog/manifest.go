package catalog

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/transmute/engine/pkg/ident"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
)

// Manifest declares entities and their columns in YAML:
//
//	entities:
//	  - name: customer
//	    kind: historized
//	    columns:
//	      - {name: customer_id, type: INTEGER, nullable: false, business_key: true}
//	      - {name: email, type: VARCHAR, track_history: true}
type Manifest struct {
	Entities []EntityManifest `yaml:"entities"`
}

type EntityManifest struct {
	EntitySpec `yaml:",inline"`
	Columns    []ColumnSpec `yaml:"columns"`
}

func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if err == io.EOF {
			return &m, nil
		}
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

type ApplyResult struct {
	Entities         int
	ColumnsAdded     int
	ColumnsUnchanged int
}

// ApplyManifest registers every entity and adds the columns not yet in the
// catalog. Applying the same manifest twice changes nothing; a column whose
// declaration differs from the catalog is an error.
func ApplyManifest(ctx context.Context, cat *Catalog, conn sqlstore.Connection, m *Manifest) (*ApplyResult, error) {
	result := &ApplyResult{}

	err := sqlstore.InTx(ctx, conn, cat.log, func(tx sqlstore.Tx) error {
		for _, em := range m.Entities {
			entityID, err := cat.RegisterOrUpdateEntity(ctx, tx, em.EntitySpec)
			if err != nil {
				return err
			}
			result.Entities++

			existing, err := cat.ListColumns(ctx, tx, entityID)
			if err != nil {
				return err
			}
			byName := make(map[string]Column, len(existing))
			for _, col := range existing {
				byName[col.Name] = col
			}

			for _, spec := range em.Columns {
				col, ok := byName[ident.Normalize(spec.Name)]
				if !ok {
					if _, err := cat.AddColumn(ctx, tx, entityID, spec); err != nil {
						return err
					}
					result.ColumnsAdded++
					continue
				}
				want, err := normalizeSpec(spec)
				if err != nil {
					return err
				}
				if diff := cmp.Diff(col.Spec(), want); diff != "" {
					return configErr("apply manifest", em.Name,
						fmt.Errorf("%w: %s is declared differently (-catalog +manifest):\n%s", ErrDuplicateColumn, spec.Name, diff))
				}
				result.ColumnsUnchanged++
			}
		}
		return nil
	})
	if err != nil {
		cat.cache.DeleteAll()
		return nil, err
	}

	cat.log.Info("catalog: applied manifest", "entities", result.Entities, "columns_added", result.ColumnsAdded, "columns_unchanged", result.ColumnsUnchanged)
	return result, nil
}

func normalizeSpec(spec ColumnSpec) (ColumnSpec, error) {
	typ, err := ident.ParseType(spec.Type)
	if err != nil {
		return ColumnSpec{}, err
	}
	spec.Name = ident.Normalize(spec.Name)
	spec.Type = typ.String()
	if spec.Nullable == nil {
		nullable := true
		spec.Nullable = &nullable
	}
	return spec, nil
}
