package widgets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nraphael/ipywidgets/internal/registry"
)

const (
	BaseModule     = "@jupyter-widgets/base"
	ControlsModule = "@jupyter-widgets/controls"

	// BaseModuleRange is the range the built-in base bundle registers under.
	BaseModuleRange = "^2.0.0"
)

var (
	ErrClassNotFound   = errors.New("widgets: class not found")
	ErrInvalidBundle   = errors.New("widgets: invalid export bundle")
	ErrStaticResolver  = errors.New("widgets: resolver does not accept registrations")
	ErrModuleNotFound  = registry.ErrModuleNotFound
)

// Instance is the class-side behavior attached to one hydrated model.
type Instance interface {
	HandleCustom(content any, buffers [][]byte)
	Close()
}

// ModelConstructor builds the class instance for a hydrated model.
type ModelConstructor func(m *Model) (Instance, error)

// Exports maps class names to their constructors.
type Exports map[string]ModelConstructor

// ExportBundle declares one module's exports under a version range.
type ExportBundle struct {
	Name    string
	Version string
	Exports Exports
}

func (b ExportBundle) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("%w: missing module name", ErrInvalidBundle)
	}
	if strings.TrimSpace(b.Version) == "" {
		return fmt.Errorf("%w: missing version range", ErrInvalidBundle)
	}
	if len(b.Exports) == 0 {
		return fmt.Errorf("%w: no exports", ErrInvalidBundle)
	}
	return nil
}

// ExportResolver maps a type descriptor to its export bundle.
type ExportResolver interface {
	Resolve(module, version string) (Exports, error)
}

// ExportRegistrar accepts export bundle registrations at runtime.
type ExportRegistrar interface {
	Register(name, versionRange string, exports Exports) error
}

// exportRegistry is the built-in resolver: a semver-range registry of
// export bundles.
type exportRegistry struct {
	reg *registry.Registry[Exports]
}

func newExportRegistry() *exportRegistry {
	return &exportRegistry{reg: registry.New[Exports]()}
}

func (r *exportRegistry) Resolve(module, version string) (Exports, error) {
	return r.reg.Resolve(module, version)
}

func (r *exportRegistry) Register(name, versionRange string, exports Exports) error {
	return r.reg.Register(name, versionRange, exports)
}

// noopInstance backs generic models that carry state but no behavior.
type noopInstance struct{}

func (noopInstance) HandleCustom(content any, buffers [][]byte) {}

func (noopInstance) Close() {}

// NoopConstructor satisfies classes whose behavior lives entirely in state.
func NoopConstructor(*Model) (Instance, error) {
	return noopInstance{}, nil
}

// BaseExports is the built-in bundle for the base module's generic
// model classes.
func BaseExports() ExportBundle {
	return ExportBundle{
		Name:    BaseModule,
		Version: BaseModuleRange,
		Exports: Exports{
			"WidgetModel":    NoopConstructor,
			"DOMWidgetModel": NoopConstructor,
			"LayoutModel":    NoopConstructor,
			"StyleModel":     NoopConstructor,
		},
	}
}
