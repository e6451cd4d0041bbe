package command

import (
	"github.com/spf13/pflag"

	"github.com/pgbackrest-go/pgbackrest/procconfig"
)

// BuildResolver composes a procconfig.Resolver from a subcommand's
// explicitly-set flags, the environment, and (when --config names a file)
// that file's [stanza] and [global] sections, in CLI > env > file
// priority order.
func BuildResolver(flags *pflag.FlagSet, stanza string) (*procconfig.Resolver, error) {
	cli := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		cli[f.Name] = f.Value.String()
	})

	sources := []procconfig.Source{procconfig.CLISource(cli), procconfig.EnvSource()}

	if configPath, _ := flags.GetString(OptConfig); configPath != "" {
		f, err := procconfig.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		sources = append(sources, procconfig.NewFileSource(f, stanza))
	}

	return procconfig.NewResolver(sources...), nil
}
