package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mws-restaurant/offline"
)

var (
	browseCuisine      string
	browseNeighborhood string
	browseRefresh      bool
	browseJSON         bool
)

func init() {
	rootCmd.AddCommand(restaurantsCmd)
	rootCmd.AddCommand(neighborhoodsCmd)
	rootCmd.AddCommand(cuisinesCmd)
	rootCmd.AddCommand(cacheCmd)

	restaurantsCmd.Flags().StringVar(&browseCuisine, "cuisine", "all", "only restaurants with this cuisine")
	restaurantsCmd.Flags().StringVar(&browseNeighborhood, "neighborhood", "all", "only restaurants in this neighborhood")
	restaurantsCmd.Flags().BoolVar(&browseJSON, "json", false, "print restaurants as JSON")
	for _, cmd := range []*cobra.Command{restaurantsCmd, neighborhoodsCmd, cuisinesCmd} {
		cmd.Flags().BoolVar(&browseRefresh, "refresh", false, "fetch restaurants through the router when the mirror is empty")
	}
}

// loadRestaurants reads the local mirror, optionally warming it through the
// router first.
func loadRestaurants(ctx context.Context, core *offline.Core) ([]offline.Restaurant, error) {
	if browseRefresh {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, core.Client.BaseURL()+"/restaurants", nil)
		if err != nil {
			return nil, err
		}
		resp, err := core.HTTPClient().Do(req)
		if err != nil {
			return nil, fmt.Errorf("refresh restaurants: %w", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("refresh restaurants: %w", &offline.StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
		}
	}
	return core.Store.AllRestaurants(ctx)
}

var restaurantsCmd = &cobra.Command{
	Use:   "restaurants",
	Short: "List restaurants in the local mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, cfg *Config, core *offline.Core) error {
			all, err := loadRestaurants(ctx, core)
			if err != nil {
				return err
			}
			matches := offline.FilterRestaurants(all, browseCuisine, browseNeighborhood)
			if browseJSON {
				return printJSON(matches)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tNEIGHBORHOOD\tCUISINE")
			for _, r := range matches {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, truncate(r.Name, 32), r.Neighborhood, r.CuisineType)
			}
			return w.Flush()
		})
	},
}

var neighborhoodsCmd = &cobra.Command{
	Use:   "neighborhoods",
	Short: "List distinct neighborhoods in the local mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, cfg *Config, core *offline.Core) error {
			all, err := loadRestaurants(ctx, core)
			if err != nil {
				return err
			}
			for _, n := range offline.Neighborhoods(all) {
				fmt.Println(n)
			}
			return nil
		})
	},
}

var cuisinesCmd = &cobra.Command{
	Use:   "cuisines",
	Short: "List distinct cuisines in the local mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, cfg *Config, core *offline.Core) error {
			all, err := loadRestaurants(ctx, core)
			if err != nil {
				return err
			}
			for _, c := range offline.Cuisines(all) {
				fmt.Println(c)
			}
			return nil
		})
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "List cached responses, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, cfg *Config, core *offline.Core) error {
			keys, err := core.Cache.Keys(ctx)
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("Cache is empty.")
				return nil
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		})
	},
}
