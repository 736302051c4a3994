package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/smart-on-fhir/client-go/pkg/smart"
	"github.com/smart-on-fhir/client-go/pkg/smart/store"
	"github.com/spf13/cobra"
)

var (
	getResolve []string
	getFlat    bool
	getPages   int
	getPatient bool
)

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Issue an authenticated FHIR request using the stored session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := store.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		// With no code in the URL, Ready resumes the session the last
		// launch left behind.
		env, err := smart.NewStaticEnvironment(cfg.RedirectURI)
		if err != nil {
			return err
		}
		client, err := smart.Ready(ctx, env, st, nil)
		if err != nil {
			return err
		}

		opts := &smart.RequestOptions{
			ResolveReferences: getResolve,
			Flat:              getFlat,
			MaxPages:          getPages,
		}
		var res *smart.Result
		if getPatient {
			res, err = client.PatientRequest(ctx, args[0], opts)
		} else {
			res, err = client.Request(ctx, args[0], opts)
		}
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(res.Resource, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	getCmd.Flags().StringSliceVar(&getResolve, "resolve", nil, "reference paths to resolve into the result")
	getCmd.Flags().BoolVar(&getFlat, "flat", false, "return bundle entries as a flat resource list")
	getCmd.Flags().IntVar(&getPages, "pages", 0, "bundle pages to fetch (-1 for all)")
	getCmd.Flags().BoolVar(&getPatient, "patient", false, "scope the query to the patient in context")
	rootCmd.AddCommand(getCmd)
}
