package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"taracol/pkg/federation"
)

func certsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage federation TLS certificates",
	}

	var caDir string
	var validity time.Duration
	cmd.PersistentFlags().StringVar(&caDir, "ca-dir", "./certs", "directory holding ca.crt and ca.key")
	cmd.PersistentFlags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate validity")

	var name string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a federation certificate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := federation.NewCertAuthority(name, validity)
			if err != nil {
				return err
			}
			if err := ca.Save(caDir); err != nil {
				return err
			}
			fmt.Printf("Created CA %q in %s\n", ca.Cert.Subject.CommonName, caDir)
			return nil
		},
	}
	initCmd.Flags().StringVar(&name, "name", "taracol", "federation name")

	var addresses []string
	var outDir string
	issueCmd := &cobra.Command{
		Use:   "issue <node-id>",
		Short: "Issue a node certificate signed by the CA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := federation.LoadCertAuthority(caDir)
			if err != nil {
				return err
			}
			nodeID := args[0]
			cert, key, err := ca.Issue(nodeID, addresses, validity)
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = caDir
			}
			certPath := filepath.Join(outDir, nodeID+".crt")
			keyPath := filepath.Join(outDir, nodeID+".key")
			if err := federation.SaveCertificate(cert, key, certPath, keyPath); err != nil {
				return err
			}
			fmt.Printf("Issued %s -> %s, %s (expires %s)\n",
				nodeID, certPath, keyPath, cert.NotAfter.Format(time.RFC3339))
			return nil
		},
	}
	issueCmd.Flags().StringSliceVar(&addresses, "address", []string{"localhost", "127.0.0.1"}, "host names or IPs the certificate is valid for")
	issueCmd.Flags().StringVar(&outDir, "out", "", "output directory (defaults to --ca-dir)")

	cmd.AddCommand(initCmd, issueCmd)
	return cmd
}
