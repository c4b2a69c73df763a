package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/tracekit/varwatch/internal/monitor"
	"github.com/tracekit/varwatch/internal/protocol"
)

func newEvalCmd(logger *zap.Logger, opts *connectOptions) *cobra.Command {
	var expand bool

	cmd := &cobra.Command{
		Use:   "eval <expression>...",
		Short: "Evaluate expressions once and print their values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			conn, err := connect(logger, opts)
			if err != nil {
				return err
			}
			mon := monitor.New(conn, monitor.Options{Logger: logger})
			defer mon.Close()
			defer func() { _ = conn.Close() }()

			for _, expr := range args {
				value, err := mon.Evaluate(ctx, expr, protocol.GlobalContext())
				if err != nil {
					return fmt.Errorf("evaluate %q: %w", expr, err)
				}

				line, _ := sjson.Set("{}", "expression", expr)
				line, _ = sjson.Set(line, "value", value.Value)
				if value.Type != "" {
					line, _ = sjson.Set(line, "type", value.Type)
				}
				fmt.Println(line)

				if !expand {
					continue
				}
				children, err := mon.ExpandChildren(ctx, value.Handle)
				if err != nil {
					return fmt.Errorf("expand %q: %w", expr, err)
				}
				for _, child := range children {
					line, _ := sjson.Set("{}", "expression", expr)
					line, _ = sjson.Set(line, "child", child.Name)
					line, _ = sjson.Set(line, "value", child.Value)
					if child.Type != "" {
						line, _ = sjson.Set(line, "type", child.Type)
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&expand, "expand", false, "also list children of compound values")
	return cmd
}

func newSetCmd(logger *zap.Logger, opts *connectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <expression> <value>",
		Short: "Assign a new value to an expression",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			conn, err := connect(logger, opts)
			if err != nil {
				return err
			}
			mon := monitor.New(conn, monitor.Options{Logger: logger})
			defer mon.Close()
			defer func() { _ = conn.Close() }()

			confirmed, err := mon.SetRootValue(ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("set %q: %w", args[0], err)
			}

			line, _ := sjson.Set("{}", "expression", args[0])
			line, _ = sjson.Set(line, "value", confirmed)
			fmt.Println(line)
			return nil
		},
	}
}

func newSendCmd(logger *zap.Logger, opts *connectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <command>",
		Short: "Pass a raw command through to the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			conn, err := connect(logger, opts)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			output, err := conn.RawCommand(ctx, args[0])
			if err != nil {
				return fmt.Errorf("send %q: %w", args[0], err)
			}
			fmt.Print(output)
			return nil
		},
	}
}
