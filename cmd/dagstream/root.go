package main

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	logFormat  string
	verbosity  int
}

func (o *globalOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "dagstream.yaml", "Path of the pipeline config")
	cmd.PersistentFlags().StringVar(&o.logFormat, "log-format", "console", "Log format (json|console)")
	cmd.PersistentFlags().CountVarP(&o.verbosity, "verbose", "v", "Increase log verbosity")
}

// logger builds the zap backed logr.Logger the commands log to.
func (o *globalOptions) logger() (logr.Logger, *zap.Logger, error) {
	var zc zap.Config
	switch o.logFormat {
	case "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return logr.Discard(), nil, fmt.Errorf("unknown log format %q", o.logFormat)
	}
	// logr verbosity n is zap level -n.
	zc.Level = zap.NewAtomicLevelAt(zapcore.Level(-o.verbosity))
	zl, err := zc.Build()
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("build logger: %w", err)
	}
	return zapr.NewLogger(zl), zl, nil
}

func newCmdRoot() *cobra.Command {
	o := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "dagstream",
		Short:         "Run change-data-capture pipelines with consistent checkpoints",
		SilenceUsage: true,
	}
	o.addFlags(cmd)

	cmd.AddCommand(
		newCmdRun(o),
		newCmdValidate(o),
		newCmdCheckpoint(o),
	)
	return cmd
}
