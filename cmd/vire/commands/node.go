package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vireflow/vire/pkg/config"
	"github.com/vireflow/vire/pkg/elements"
	"github.com/vireflow/vire/pkg/wiring"
)

// loadNodeConfig reads the --config file, or the defaults when none is set.
func loadNodeConfig() (*config.NodeConfig, error) {
	if configPath == "" {
		return config.DefaultNodeConfig(), nil
	}
	cfg, err := config.LoadNodeConfig(configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("config", configPath).Msg("Loaded node config")
	return cfg, nil
}

// catalogue is the element catalogue of a node together with the WASM host
// its scripted templates run on.
type catalogue struct {
	*elements.Catalogue
	wasm *elements.WASMHost
}

// openCatalogue registers the built-in templates and, when configured, the
// templates of the catalogue manifest.
func openCatalogue(ctx context.Context, cfg *config.NodeConfig) (*catalogue, error) {
	cat := elements.NewCatalogue()
	if err := elements.RegisterBuiltins(cat); err != nil {
		return nil, fmt.Errorf("failed to register built-in templates: %w", err)
	}
	c := &catalogue{Catalogue: cat}
	if cfg.Elements.Catalogue == "" {
		return c, nil
	}

	host, err := elements.NewWASMHost(ctx, cfg.Elements.WASM)
	if err != nil {
		return nil, fmt.Errorf("failed to start wasm host: %w", err)
	}
	c.wasm = host
	if err := cat.LoadManifest(ctx, cfg.Elements.Catalogue, host); err != nil {
		_ = host.Close(ctx)
		return nil, err
	}
	return c, nil
}

func (c *catalogue) close(ctx context.Context) {
	if c.wasm == nil {
		return
	}
	if err := c.wasm.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to close wasm host")
	}
}

// names resolves template ids to catalogue names, "" for unknown ids.
func (c *catalogue) names(id wiring.TemplateID) string {
	if t, ok := c.Get(id); ok {
		return t.Name
	}
	return ""
}

// isBlob reports whether path holds an encoded configuration rather than a
// graph description.
func isBlob(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".blob")
}

// encodeFile parses a graph description and compiles it to a blob.
func encodeFile(ctx context.Context, path string) ([]byte, error) {
	result, err := config.NewGraphParser().ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return result.Spec.Blob()
}

// readConfiguration returns the blob at path, encoding it first when path
// is a graph description.
func readConfiguration(ctx context.Context, path string) ([]byte, error) {
	if isBlob(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return data, nil
	}
	return encodeFile(ctx, path)
}
