package main

import (
	"log"

	"github.com/danmuck/acnode/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	kind := pflag.String("kind", "node", "config kind: node|production")
	output := pflag.StringP("output", "o", "acnode.toml", "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.StringP("input", "i", "acnode.toml", "config path for validation")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (node %s on machine %s)", *input, cfg.Moi, cfg.Machine)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
