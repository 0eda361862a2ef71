package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/seantiz/simforge/internal/cache"
	"github.com/seantiz/simforge/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the result cache",
	Long: `Inspect and manage the content-addressed result cache.

Examples:
  simforge cache key model.idf --weather denver.epw --annual
  simforge cache contains sha256/v1:4f0c...
  simforge cache clear`,
}

var cacheKeyCmd = &cobra.Command{
	Use:   "key <model>",
	Short: "Print the cache key of a model and its run options",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheKey,
}

var cacheContainsCmd = &cobra.Command{
	Use:   "contains <key>",
	Short: "Report whether a complete entry exists for a key",
	Long:  "Report whether a complete entry exists for a key. Exits non-zero when it does not.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheContains,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached result",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var (
	keyWeather    string
	keyWeatherURI string
	keyOptions    model.Options
	keyExtra      map[string]string
	containsShow  bool
)

func init() {
	cacheCmd.AddCommand(cacheKeyCmd)
	cacheCmd.AddCommand(cacheContainsCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	f := cacheKeyCmd.Flags()
	f.StringVar(&keyWeather, "weather", "", "Local weather file")
	f.StringVar(&keyWeatherURI, "weather-uri", "", "Remote weather reference")
	f.BoolVar(&keyOptions.DesignDay, "design-day", false, "Design-day run")
	f.BoolVar(&keyOptions.AnnualOnly, "annual", false, "Annual run")
	f.BoolVar(&keyOptions.ExpandObjects, "expand-objects", false, "Run template-object expansion")
	f.BoolVar(&keyOptions.ReadVars, "read-vars", false, "Run the output-variable post processor")
	f.StringVar(&keyOptions.EngineVersion, "engine-version", "", "Engine version the job expects")
	f.StringToStringVar(&keyExtra, "extra", nil, "Extra engine flags as key=value")
	cacheKeyCmd.MarkFlagsMutuallyExclusive("weather", "weather-uri")

	cacheContainsCmd.Flags().BoolVar(&containsShow, "show", false, "Print the entry metadata")
}

func runCacheKey(cmd *cobra.Command, args []string) error {
	opts := keyOptions
	if len(keyExtra) > 0 {
		opts.Extra = make(map[string]any, len(keyExtra))
		for k, v := range keyExtra {
			opts.Extra[k] = v
		}
	}

	key, err := cache.Key(cmd.Context(), model.FileDocument(args[0]),
		model.WeatherRef{Path: keyWeather, URI: keyWeatherURI}, opts)
	if err != nil {
		return err
	}
	fmt.Println(key.String())
	return nil
}

func runCacheContains(cmd *cobra.Command, args []string) error {
	key, err := model.ParseCacheKey(args[0])
	if err != nil {
		return err
	}
	c, closeCache, err := openCache(cmd.Context())
	if err != nil {
		return err
	}
	defer closeCache()
	if c == nil {
		return errors.WithHint(errors.New("cache is disabled"), "set cache.url or SIMFORGE_CACHE_URL")
	}

	if !containsShow {
		if !c.Contains(cmd.Context(), key) {
			return errors.Newf("no entry for %s", key)
		}
		pterm.Success.Printfln("%s is cached", key)
		return nil
	}

	entry, err := c.Entry(cmd.Context(), key)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entry)
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	c, closeCache, err := openCache(cmd.Context())
	if err != nil {
		return err
	}
	defer closeCache()
	if c == nil {
		return errors.WithHint(errors.New("cache is disabled"), "set cache.url or SIMFORGE_CACHE_URL")
	}

	n, err := c.Clear(cmd.Context())
	if err != nil {
		return err
	}
	pterm.Success.Printfln("removed %d entries from %s", n, c.Location())
	return nil
}
