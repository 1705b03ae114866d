package badge

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/campusflow/attendance-engine/internal/domain/shared"
)

// CatalogueFile is the YAML layout of a badge seed file:
//
//	badges:
//	  - code: streak_7
//	    name: Week Warrior
//	    criterion: {type: streak, minDays: 7}
type CatalogueFile struct {
	Badges []Definition `yaml:"badges"`
}

// LoadCatalogue decodes and validates a seed file. Codes must be unique;
// order is preserved and becomes the evaluation order.
func LoadCatalogue(r io.Reader) ([]Definition, error) {
	var file CatalogueFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, shared.WrapError("badge", "LoadCatalogue", shared.ErrInvalidInput, "decode catalogue", err)
	}

	seen := make(map[string]struct{}, len(file.Badges))
	for i := range file.Badges {
		d := &file.Badges[i]
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("badge #%d (%s): %w", i+1, d.Code, err)
		}
		if _, dup := seen[d.Code]; dup {
			return nil, shared.NewDomainError("badge", "LoadCatalogue", shared.ErrAlreadyExists,
				fmt.Sprintf("duplicate badge code %q", d.Code))
		}
		seen[d.Code] = struct{}{}
	}
	return file.Badges, nil
}

// EncodeCatalogue writes definitions in the seed file layout.
func EncodeCatalogue(w io.Writer, defs []Definition) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(CatalogueFile{Badges: defs}); err != nil {
		return err
	}
	return enc.Close()
}
