package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sensorwatch/internal/auth"
	"sensorwatch/internal/config"
	"sensorwatch/internal/errs"
	"sensorwatch/internal/ingest"
	"sensorwatch/internal/topic"
)

func newTopicCmd() *cobra.Command {
	var build []string

	cmd := &cobra.Command{
		Use:   "topic [TOPIC]",
		Short: "Parse a topic, or build one with --build USER,TYPE,UUID,SUFFIX",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := loadCodec()
			if err != nil {
				return err
			}

			if len(build) > 0 {
				if len(build) != 4 {
					return fmt.Errorf("--build takes USER,TYPE,UUID,SUFFIX")
				}
				t := codec.Build(build[0], build[1], build[2], topic.Suffix(build[3]))
				s := codec.Format(t)
				if _, err := codec.Parse(s); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("a topic or --build is required")
			}
			t, err := codec.Parse(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
	cmd.Flags().StringSliceVar(&build, "build", nil, "Build a topic from USER,TYPE,UUID,SUFFIX")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate TOPIC",
		Short: "Run one message through the topic and payload validation",
		Long:  "Reads the message body from --file, or from stdin when no file is given, and prints the result or the rejection.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			s := cfg.Settings()

			var body []byte
			if file != "" {
				body, err = os.ReadFile(file)
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}

			codec := topic.NewCodec(topic.Options{Prefix: s.MQTT.TopicPrefix, SensorTypes: s.MQTT.SensorTypes})
			pipeline := ingest.New(codec, newValidator(s.Ingest), nil, ingest.Options{})

			res, err := pipeline.Process(args[0], body, time.Now())
			if err != nil {
				if e := errs.As(err); e != nil {
					printJSON(cmd.ErrOrStderr(), map[string]string{
						"kind":   string(e.Kind),
						"stage":  e.Stage,
						"reason": e.Reason,
						"detail": e.Detail,
					})
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "File holding the message body")
	return cmd
}

func newPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd PASSWORD",
		Short: "Set the operator password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args[0]) < 8 {
				return fmt.Errorf("password must be at least 8 characters")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Set(config.EnvOperatorPasswordHash, hash); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Operator password updated in %s\n", cfg.FilePath())
			return nil
		},
	}
}

func loadCodec() (*topic.Codec, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	s := cfg.Settings()
	return topic.NewCodec(topic.Options{Prefix: s.MQTT.TopicPrefix, SensorTypes: s.MQTT.SensorTypes}), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
