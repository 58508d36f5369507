package console

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"webpilot/internal/config"
	"webpilot/internal/entity"
	"webpilot/internal/ports"
	"webpilot/pkg/logg"
)

// Interface is the operator loop: read an objective, run it to a verdict,
// render the report, repeat.
type Interface struct {
	config   *config.Config
	logger   *zap.Logger
	runner   ports.TaskRunner
	ctx      context.Context
	cancel   context.CancelFunc
	sigChan  chan os.Signal
	stopping bool
}

type Params struct {
	fx.In

	Config *config.Config
	Logger *zap.Logger
	Runner ports.TaskRunner
}

func NewInterface(params Params) *Interface {
	ctx, cancel := context.WithCancel(context.Background())

	return &Interface{
		config:  params.Config,
		logger:  params.Logger.With(zap.String(logg.Layer, "Console")),
		runner:  params.Runner,
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 1),
	}
}

func (i *Interface) Start() error {
	i.printBanner()
	i.printHelp()

	signal.Notify(i.sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-i.sigChan
		fmt.Println("\n\nInterrupt received, stopping task...")
		i.stopping = true
		i.Stop()
	}()

	scanner := bufio.NewScanner(os.Stdin)

	for {
		if i.stopping {
			break
		}

		fmt.Print("\n> ")

		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())

		if input == "" {
			continue
		}

		if err := i.handleCommand(input); err != nil {
			if err.Error() == "exit" {
				break
			}

			i.logger.Error("Command error", zap.Error(err))
			fmt.Printf("Error: %v\n", err)
		}
	}

	return nil
}

func (i *Interface) Stop() error {
	if i.stopping && i.cancel == nil {
		return nil
	}

	i.stopping = true
	i.logger.Info("Stopping console interface...")

	i.runner.Stop()
	i.cancel()

	return nil
}

func (i *Interface) handleCommand(input string) error {
	switch input {
	case "help", "h":
		i.printHelp()

		return nil
	case "exit", "quit", "q":
		fmt.Println("Shutting down...")

		return fmt.Errorf("exit")
	default:
		return i.runTask(input)
	}
}

func (i *Interface) runTask(objective string) error {
	fmt.Printf("\nStarting task: %s\n", objective)
	fmt.Println(strings.Repeat("-", 51))

	report, err := i.runner.Run(i.ctx, objective)
	if err != nil {
		fmt.Printf("\nTask failed to start: %v\n", err)

		return nil
	}

	fmt.Println("\n" + strings.Repeat("-", 51))
	i.renderReport(report)

	return nil
}

func (i *Interface) renderReport(report *entity.TaskReport) {
	if report.Verdict == entity.VerdictCompleted {
		fmt.Printf("Task completed: %s\n", report.Reason)
	} else {
		fmt.Printf("Task aborted: %s\n", report.Reason)
	}

	fmt.Printf("Elapsed: %s, replans: %d\n\n", report.Elapsed.Round(10*time.Millisecond), report.Replans)

	for _, step := range report.Steps {
		line := fmt.Sprintf("  [rev %d] step %d %s: %s",
			step.PlanRevision, step.StepIndex, step.Action, step.Status)

		if step.Reason != "" {
			line += " (" + step.Reason + ")"
		}

		fmt.Println(line)
	}
}

func (i *Interface) printBanner() {
	banner := `
+---------------------------------------------------------+
|                                                         |
|                       webpilot                          |
|                                                         |
|   Natural-language browser automation with planning     |
|                                                         |
+---------------------------------------------------------+
`
	fmt.Println(banner)
}

func (i *Interface) printHelp() {
	help := `
Available commands:
  help, h       - Show this help message
  exit, quit, q - Exit the application

To start a task, type the objective in natural language:
  Examples:
    - Open the login page and sign in as demo
    - Add the first search result to the cart
    - Fill the contact form and submit it

The agent plans the steps, executes them, and replans on failure.
`
	fmt.Println(help)
}
