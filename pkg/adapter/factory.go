package adapter

import (
	"fmt"
	"strings"

	"github.com/samsamfire/canhost"
	"github.com/samsamfire/canhost/pkg/canlib"
	"github.com/samsamfire/canhost/pkg/canlib/dynamic"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultName  = "kvaser"
	LoopbackName = "loopback"
)

// Already resolved adapter selection
type Options struct {
	Name     string // "loopback" or a registered canlib driver, default "kvaser"
	Channel  int
	Bitrate  int // canlib bit rate code, default 500K
	Capacity int // frame queue capacity, default 2000
	DLLPath  string
	Logger   log.FieldLogger
}

// Create an adapter by name.
// For canlib adapters, a native library given by DLLPath is tried first,
// on failure the statically registered driver with the same name is used.
func New(opts Options) (canhost.Adapter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	name := strings.ToLower(strings.TrimSpace(opts.Name))
	if name == "" {
		name = DefaultName
	}
	if name == LoopbackName {
		return NewLoopback(opts.Capacity, logger), nil
	}
	driver, err := newDriver(name, opts.DLLPath, logger)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	config.Channel = opts.Channel
	if opts.Bitrate != 0 {
		config.Bitrate = opts.Bitrate
	}
	if opts.Capacity > 0 {
		config.Capacity = opts.Capacity
	}
	return NewCanlibAdapter(driver, config, logger), nil
}

func newDriver(name string, path string, logger log.FieldLogger) (canlib.Driver, error) {
	var loadErr error
	if path != "" {
		lib, err := dynamic.Open(path)
		if err == nil {
			return lib, nil
		}
		logger.Warnf("[ADAPTER] failed to load native library %v, falling back to %v : %v", path, name, err)
		loadErr = err
	}
	driver, err := canlib.NewDriver(name)
	if err != nil {
		if loadErr != nil {
			return nil, loadErr
		}
		return nil, fmt.Errorf("%w : %v", canhost.ErrUnknownAdapter, err)
	}
	return driver, nil
}
