package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ipfs/go-cid"
	"github.com/spf13/cobra"

	"taracol/pkg/crypto"
	"taracol/pkg/node"
	"taracol/pkg/types"
)

// offlineFlags are shared by the commands that edit a stopped PDS.
func offlineFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("data-dir", "", "data directory of the stopped PDS")
	cmd.PersistentFlags().String("endpoint", "", "endpoint advertised for hosted accounts")
}

func withNode(cmd *cobra.Command, fn func(ctx context.Context, n *node.Node) error) error {
	n, err := openOffline(cmd)
	if err != nil {
		return err
	}
	defer n.Stop()
	return fn(cmd.Context(), n)
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts hosted by a stopped PDS",
	}
	offlineFlags(cmd)

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an account with a fresh signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				did, err := n.CreateAccount(ctx)
				if err != nil {
					return err
				}
				fmt.Println(did)
				return nil
			})
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate <did>",
		Short: "Rotate the account's signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				proof, err := n.RotateKey(ctx, types.DID(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("Rotated %s to %s\n", proof.Identifier, proof.NewPublicKey)
				return nil
			})
		},
	}

	var target string
	migrate := &cobra.Command{
		Use:   "migrate <did>",
		Short: "Move the account to a new endpoint under a fresh key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				proof, err := n.Migrate(ctx, types.DID(args[0]), target)
				if err != nil {
					return err
				}
				fmt.Printf("Migrated %s to %s\n", proof.Identifier, proof.NewEndpoint)
				return nil
			})
		},
	}
	migrate.Flags().StringVar(&target, "to", "", "new endpoint")
	_ = migrate.MarkFlagRequired("to")

	cmd.AddCommand(create, rotate, migrate)
	return cmd
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Write and delete records on a stopped PDS",
	}
	offlineFlags(cmd)

	var collection, key, file string
	put := &cobra.Command{
		Use:   "put <did> [payload]",
		Short: "Sign and commit one record",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read payload: %w", err)
				}
				payload = data
			case len(args) == 2:
				payload = []byte(args[1])
			default:
				return fmt.Errorf("a payload argument or --file is required")
			}
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				c, id, err := n.WriteRecord(ctx, types.DID(args[0]), collection, key, payload)
				if err != nil {
					return err
				}
				fmt.Printf("%s revision %d\n", id, c.Revision)
				return nil
			})
		},
	}
	put.Flags().StringVar(&collection, "collection", "app.record", "record collection")
	put.Flags().StringVar(&key, "key", "", "record key")
	put.Flags().StringVarP(&file, "file", "f", "", "read the payload from a file")
	_ = put.MarkFlagRequired("key")

	del := &cobra.Command{
		Use:   "delete <did> <cid>",
		Short: "Commit a tombstone for a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cid.Decode(args[1])
			if err != nil {
				return fmt.Errorf("invalid record cid: %w", err)
			}
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				c, err := n.DeleteRecord(ctx, types.DID(args[0]), id)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %s at revision %d\n", id, c.Revision)
				return nil
			})
		},
	}

	cmd.AddCommand(put, del)
	return cmd
}

func keygenCmd() *cobra.Command {
	var scheme string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a throwaway key pair and print its public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := crypto.NewKeyPair(crypto.Algorithm(scheme))
			if err != nil {
				return err
			}
			fmt.Println(kp.Public.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", string(crypto.Ed25519), "signature scheme")
	return cmd
}
