package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/memshare/internal/cfg"
	"github.com/e2b-dev/infra/packages/memshare/internal/host"
	"github.com/e2b-dev/infra/packages/memshare/internal/logger"
	"github.com/e2b-dev/infra/packages/memshare/internal/sandbox"
)

const serviceName = "memshare"

func main() {
	backend := flag.String("backend", "", "guest backend, 'wasm' or 'native' (defaults to MEMSHARE_BACKEND)")
	dataPath := flag.String("data", "", "file with little-endian uint32 words to share with the guest")
	words := flag.Uint("words", 1<<16, "number of words 0..N-1 to share when no data file is given")
	debug := flag.Bool("debug", false, "enable debug logs")

	flag.Parse()

	config, err := cfg.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %s", err)
	}

	if *backend != "" {
		config.Backend = cfg.Backend(*backend)
	}

	config.LogDebug = config.LogDebug || *debug

	err = config.Validate()
	if err != nil {
		log.Fatalf("invalid config: %s", err)
	}

	success := run(config, *dataPath, *words)
	if !success {
		os.Exit(1)
	}
}

func run(config cfg.Config, dataPath string, words uint) (success bool) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	globalLogger, err := logger.NewLogger(ctx, logger.LoggerConfig{
		ServiceName: serviceName,
		IsDebug:     config.LogDebug,
	})
	if err != nil {
		log.Fatalf("failed to create logger: %s", err)
	}
	defer globalLogger.Sync()

	zap.ReplaceGlobals(globalLogger)

	var data []byte
	if dataPath != "" {
		data, err = os.ReadFile(dataPath)
		if err != nil {
			zap.L().Error("failed to read data file", zap.String("path", dataPath), zap.Error(err))

			return false
		}
	} else {
		data = generateWords(words)
	}

	source, err := newSource(config, data)
	if err != nil {
		zap.L().Error("failed to create source segment", zap.Error(err))

		return false
	}

	defer func() {
		closeErr := source.Close()
		if closeErr != nil {
			zap.L().Error("failed to close source segment", zap.Error(closeErr))
		}
	}()

	coordinator, err := host.NewCoordinator(source,
		host.WithLogger(globalLogger),
		host.WithPaddingPages(config.PaddingPages),
	)
	if err != nil {
		zap.L().Error("failed to create coordinator", zap.Error(err))

		return false
	}
	defer coordinator.Close()

	instance, err := sandbox.New(ctx, config, globalLogger, coordinator)
	if err != nil {
		zap.L().Error("failed to start guest", zap.String("backend", string(config.Backend)), zap.Error(err))

		return false
	}

	defer func() {
		closeErr := instance.Close(ctx)
		if closeErr != nil {
			zap.L().Error("failed to close guest", zap.Error(closeErr))
		}
	}()

	err = coordinator.CreateView(ctx, instance)
	if err != nil {
		zap.L().Error("failed to share memory with the guest", zap.Error(err))

		return false
	}

	err = coordinator.Verify(ctx)
	if err != nil {
		zap.L().Error("shared window does not match the source", zap.Error(err))

		return false
	}

	got, err := instance.Compute(ctx)
	if err != nil {
		zap.L().Error("guest failed to compute", zap.Error(err))

		return false
	}

	want := sumWords(data)

	zap.L().Info("guest computed sum",
		zap.String("sandbox.id", instance.ID()),
		zap.String("backend", string(config.Backend)),
		zap.String("shared", humanize.IBytes(uint64(len(data)))),
		zap.Uint32("guest_sum", got),
		zap.Uint32("host_sum", want),
	)

	fmt.Println(got)

	if got != want {
		zap.L().Error("guest sum does not match the host", zap.Uint32("guest_sum", got), zap.Uint32("host_sum", want))

		return false
	}

	return true
}

func newSource(config cfg.Config, data []byte) (*host.Segment, error) {
	var (
		source *host.Segment
		err    error
	)

	if config.SegmentDir != "" {
		path := filepath.Join(config.SegmentDir, fmt.Sprintf("memshare-%s.seg", uuid.NewString()))
		source, err = host.NewFileSegment(int64(len(data)), config.PageSize, path)
	} else {
		source, err = host.NewAnonymousSegment(int64(len(data)), config.PageSize)
	}

	if err != nil {
		return nil, err
	}

	_, err = source.WriteAt(data, 0)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to fill segment: %w", err), source.Close())
	}

	return source, nil
}
