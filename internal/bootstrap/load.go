// Package bootstrap seeds the entity registry from a directory of CUE files.
//
//	package seeds
//
//	entity: "line:3": {
//		label:        "Line 3"
//		cadence_days: 7
//		owner:        "alice"
//		assigned_by:  "bob"
//	}
//
// Every entity is checked against the embedded #Entity schema before
// anything is written.
package bootstrap

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaSource []byte

// Error codes.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"
	ErrCodeSchema      = "E201" // entity does not satisfy #Entity
	ErrCodeOwner       = "E202" // owner without assigned_by
	ErrCodeNoEntities  = "E203"
)

// Seed is one entity declared in the bootstrap files.
type Seed struct {
	Ref         string    `json:"ref"`
	Label       string    `json:"label,omitempty"`
	CadenceDays int       `json:"cadence_days"`
	Owner       string    `json:"owner,omitempty"`
	AssignedBy  string    `json:"assigned_by,omitempty"`
	Pos         token.Pos `json:"-"`
}

// LoadError reports why a bootstrap directory could not be loaded.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type entityFields struct {
	Label       string `json:"label"`
	CadenceDays int    `json:"cadence_days"`
	Owner       string `json:"owner"`
	AssignedBy  string `json:"assigned_by"`
}

// Load reads the CUE package in dir and returns its entities sorted by ref.
func Load(dir string) ([]Seed, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("bootstrap directory not found: %s", dir)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing bootstrap directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil || len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("entity schema: %v", err)}
	}
	def := schema.LookupPath(cue.ParsePath("#Entity"))

	entities := value.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return nil, &LoadError{Code: ErrCodeNoEntities, Message: fmt.Sprintf("no entity declarations in %s", dir)}
	}
	iter, err := entities.Fields()
	if err != nil {
		return nil, cueError(ErrCodeSchema, err)
	}

	var seeds []Seed
	for iter.Next() {
		seed, err := decodeEntity(def, iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	if len(seeds) == 0 {
		return nil, &LoadError{Code: ErrCodeNoEntities, Message: fmt.Sprintf("no entity declarations in %s", dir)}
	}

	sort.Slice(seeds, func(i, j int) bool { return seeds[i].Ref < seeds[j].Ref })
	return seeds, nil
}

func decodeEntity(def cue.Value, ref string, v cue.Value) (Seed, error) {
	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Seed{}, cueError(ErrCodeSchema, err)
	}

	var fields entityFields
	if err := unified.Decode(&fields); err != nil {
		return Seed{}, cueError(ErrCodeSchema, err)
	}
	if fields.Owner != "" && fields.AssignedBy == "" {
		return Seed{}, &LoadError{
			Code:    ErrCodeOwner,
			Message: fmt.Sprintf("entity %q names an owner but no assigned_by", ref),
			Pos:     v.Pos(),
		}
	}

	return Seed{
		Ref:         ref,
		Label:       fields.Label,
		CadenceDays: fields.CadenceDays,
		Owner:       fields.Owner,
		AssignedBy:  fields.AssignedBy,
		Pos:         v.Pos(),
	}, nil
}

// cueError keeps the position of the first CUE error.
func cueError(code string, err error) *LoadError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
