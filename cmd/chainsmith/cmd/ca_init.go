package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tmarkovic/chainsmith/ca"
	"github.com/tmarkovic/chainsmith/codec"
	"github.com/tmarkovic/chainsmith/dn"
	"github.com/tmarkovic/chainsmith/keystore"
	bboltstorage "github.com/tmarkovic/chainsmith/storage/bbolt"
)

var (
	initCommonName   string
	initOrganization string
	initCountry      string
	initValidityDays int
	initAlgorithm    string
	initOwner        string
)

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a self-signed root CA in the data directory",
	Long: `Bootstraps a root CA without starting the server. The generated
certificate is printed as PEM; the private key stays sealed in the
data directory's key store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(dataDir+"/chainsmith.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer repo.Close()

		masterKey, err := loadOrCreateMasterKey(dataDir + "/master.key")
		if err != nil {
			return err
		}
		keys, err := keystore.NewStoredKeyStore(repo, masterKey)
		if err != nil {
			return fmt.Errorf("failed to open key store: %w", err)
		}

		store := ca.NewStore(repo)
		ledger := ca.NewLedger(repo, store)
		validator := ca.NewValidator(store, ledger)
		engine := ca.NewEngine(store, keys, ledger, validator)

		attrs := []dn.Attribute{{Kind: dn.CommonName, Value: initCommonName}}
		if initOrganization != "" {
			attrs = append(attrs, dn.Attribute{Kind: dn.Organization, Value: initOrganization})
		}
		if initCountry != "" {
			attrs = append(attrs, dn.Attribute{Kind: dn.Country, Value: initCountry})
		}
		subject, err := dn.New(attrs...)
		if err != nil {
			return err
		}
		alg, err := keystore.ParseAlgorithm(initAlgorithm)
		if err != nil {
			return err
		}

		cert, err := engine.IssueSelfSigned(cmd.Context(), ca.SelfSignedRequest{
			OwnerID:      initOwner,
			Subject:      subject,
			ValidityDays: initValidityDays,
			Algorithm:    alg,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Root CA created: %s (id %s, serial %d)\n", cert.Subject, cert.ID, cert.Serial)
		os.Stdout.Write(codec.EncodeCertificatePEM(cert.DER))
		return nil
	},
}

func init() {
	caCmd.AddCommand(caInitCmd)
	caInitCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	caInitCmd.Flags().StringVar(&initCommonName, "cn", "", "Common Name for the root CA (required)")
	caInitCmd.Flags().StringVar(&initOrganization, "org", "", "Organization")
	caInitCmd.Flags().StringVar(&initCountry, "country", "", "Two-letter country code")
	caInitCmd.Flags().IntVar(&initValidityDays, "validity-days", 3650, "Validity period in days")
	caInitCmd.Flags().StringVar(&initAlgorithm, "algorithm", string(keystore.ECP256), "Key algorithm")
	caInitCmd.Flags().StringVar(&initOwner, "owner", "admin", "Owner user ID")
	_ = caInitCmd.MarkFlagRequired("cn")
}
