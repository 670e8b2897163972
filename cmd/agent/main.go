package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kardianos/service"
	"github.com/opsdeck/agent/internal/agent"
	"github.com/opsdeck/agent/internal/config"
	"go.uber.org/zap"
)

// version is stamped at build time via -ldflags
var version = "dev"

// initTimeout bounds enrollment at service start
const initTimeout = 2 * time.Minute

// program adapts the agent to the service manager lifecycle
type program struct {
	configPath string
	agent      *agent.Agent
	logger     *zap.Logger
	cancel     context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	cfg, err := config.Load(p.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := agent.InitLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	p.logger = logger

	logger.Info("Starting opsdeck-agent", zap.String("version", version))

	a, err := agent.New(cfg, logger, version)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	p.agent = a

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	// Enrollment can block on the network, so it runs off the service
	// manager's Start path.
	go func() {
		initCtx, initCancel := context.WithTimeout(ctx, initTimeout)
		defer initCancel()

		if err := a.Initialize(initCtx); err != nil {
			logger.Error("Agent initialization failed", zap.Error(err))
			return
		}
		if err := a.Start(ctx); err != nil {
			logger.Error("Agent start failed", zap.Error(err))
		}
	}()

	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.agent != nil {
		if err := p.agent.Stop(); err != nil {
			p.logger.Error("Error stopping agent", zap.Error(err))
		}
	}
	if p.logger != nil {
		p.logger.Sync()
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: platform config dir)")
	svcFlag := flag.String("service", "", "control the system service: install, uninstall, start, stop")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("opsdeck-agent %s\n", version)
		return
	}

	path := *configPath
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	prg := &program{configPath: path}

	svcConfig := &service.Config{
		Name:        "opsdeck-agent",
		DisplayName: "OpsDeck Agent",
		Description: "OpsDeck managed endpoint agent",
		Arguments:   []string{"-config", path},
	}

	svc, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatalf("failed to create service: %v", err)
	}

	if *svcFlag != "" {
		if err := service.Control(svc, *svcFlag); err != nil {
			log.Fatalf("service %s failed: %v", *svcFlag, err)
		}
		fmt.Printf("service %s: ok\n", *svcFlag)
		return
	}

	if err := svc.Run(); err != nil {
		log.Printf("service run failed: %v", err)
		os.Exit(1)
	}
}
