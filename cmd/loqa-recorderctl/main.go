package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"gopkg.in/yaml.v3"
)

var version = "0.1.0-dev"

func main() {
	var configPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "file", "loqa-recorder.yaml", "Path to configuration file")

	var defaultsOut string
	defaultsCmd := flag.NewFlagSet("defaults", flag.ExitOnError)
	defaultsCmd.StringVar(&defaultsOut, "out", "", "Write the defaults to this file instead of stdout")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'defaults' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "defaults":
		defaultsCmd.Parse(os.Args[2:])
		if err := runDefaults(defaultsOut); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return config.Validate(cfg)
}

func runDefaults(out string) error {
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	if out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(out, data, 0o644)
}
