// Package backend implements the capability backend: one-time feature
// detection and a uniform operation surface that prefers the modern
// protocol and falls back to the legacy one per operation.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/john/flashforge_link/logger"
	"github.com/john/flashforge_link/model"
	"github.com/john/flashforge_link/printer"
)

// Overrides are user supplied feature additions.
type Overrides struct {
	CustomLEDs      bool
	CustomCameraURL string
}

// Backend executes operations against one client pair.
type Backend struct {
	modern    printer.ModernClient
	legacy    printer.LegacyClient
	model     *model.Model
	overrides Overrides
	log       *logger.Logger

	mu          sync.RWMutex
	features    printer.FeatureSet
	initialized bool
}

// New creates a backend. modern is nil for legacy sessions.
func New(modern printer.ModernClient, legacy printer.LegacyClient, m *model.Model, ov Overrides, log *logger.Logger) *Backend {
	if log == nil {
		log = logger.Nop()
	}
	return &Backend{
		modern:    modern,
		legacy:    legacy,
		model:     m,
		overrides: ov,
		log:       log,
	}
}

// Model returns the family model backing this session.
func (b *Backend) Model() *model.Model { return b.model }

// Protocol reports the protocol in use.
func (b *Backend) Protocol() printer.Protocol {
	if b.modern != nil {
		return printer.ProtocolModern
	}
	return printer.ProtocolLegacy
}

// validate checks the client pair against the model.
func (b *Backend) validate() error {
	if b.model == nil {
		return errors.New("no printer model")
	}
	if b.legacy == nil {
		return errors.New("legacy client is required")
	}
	return nil
}

// Initialize validates the pair and detects features. It runs once per
// session; a second call fails with printer.ErrAlreadyInitialized.
func (b *Backend) Initialize(ctx context.Context) (printer.FeatureSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return printer.FeatureSet{}, printer.ErrAlreadyInitialized
	}
	if err := b.validate(); err != nil {
		return printer.FeatureSet{}, err
	}

	fs := b.model.Template.Clone()

	if b.modern != nil {
		product, err := b.modern.Product(ctx)
		if err != nil {
			return printer.FeatureSet{}, fmt.Errorf("product query: %w", err)
		}
		fs.LED.Builtin = fs.LED.Builtin && product.LightCtrlState != 0
		fs.Filtration = fs.Filtration &&
			(product.InternalFanCtrlState != 0 || product.ExternalFanCtrlState != 0)
	} else {
		// Legacy sessions cannot reach modern-only controls.
		fs.Filtration = false
		fs.Jobs.Modern = false
		fs.Jobs.Upload = false
		fs.Jobs.Recent = false
		fs.Jobs.Local = true
		fs.MaterialStation = false
	}

	fs.LED.Custom = b.overrides.CustomLEDs
	fs.Camera.CustomURL = b.overrides.CustomCameraURL

	b.features = fs
	b.initialized = true

	b.log.Infow("features detected",
		"model", b.model.DisplayName,
		"protocol", b.Protocol(),
		"camera", fs.Camera.Available(),
		"led", fs.LED.Available(),
		"filtration", fs.Filtration,
		"material_station", fs.MaterialStation,
	)
	return fs.Clone(), nil
}

// Features returns the snapshot computed by Initialize.
func (b *Backend) Features() printer.FeatureSet {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.features.Clone()
}

// Initialized reports whether Initialize succeeded.
func (b *Backend) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

func (b *Backend) unsupported(op string) printer.CommandResult {
	err := printer.Unsupported(op, b.model.DisplayName)
	b.log.Infow("operation not supported", "operation", op, "model", b.model.DisplayName)
	return printer.Failed(err)
}
