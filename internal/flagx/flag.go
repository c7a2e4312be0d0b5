// Package flagx contains helpers for working with command-line flags.
package flagx

import (
	"flag"
	"os"
	"strings"
)

// FilterArgs returns a slice of command-line arguments that only contains
// the allowed flags (and their values) specified in allowedFlags.
//
// Supported formats:
//  1. Flag and value as separate arguments:  -c conf.json
//  2. Flag and value combined with '=':      --config=conf.json
//
// This lets several components parse their own flag subsets out of the same
// os.Args without colliding on unknown-flag errors.
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		// "--flag=value" or "-f=value"
		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name := arg[:strings.Index(arg, "=")]
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		// "-f value" (value, if any, is the next argument)
		if strings.HasPrefix(arg, "-") {
			if _, ok := allowed[arg]; ok {
				filtered = append(filtered, arg)
				if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
					filtered = append(filtered, args[i+1])
					i++
				}
			} else if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				// skip the unknown flag's value too
				i++
			}
		}
	}

	return filtered
}

// JsonConfigFlags returns the JSON config file path given via -c or -config,
// or an empty string if neither was passed.
func JsonConfigFlags() string {
	var config string

	args := FilterArgs(os.Args[1:], []string{"-c", "-config"})

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&config, "config", "", "Path to config file")
	fs.StringVar(&config, "c", "", "Path to config file (short)")
	_ = fs.Parse(args)

	return config
}
