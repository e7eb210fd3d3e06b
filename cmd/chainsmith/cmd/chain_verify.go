package cmd

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// ---------------------------------------------------------------------------
// Verification result types
// ---------------------------------------------------------------------------

type verifyResult struct {
	File      string        `json:"file"`
	Leaf      string        `json:"leaf"`
	CertCount int           `json:"cert_count"`
	Valid     bool          `json:"valid"`
	Checks    []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

// ---------------------------------------------------------------------------
// Core verification logic
// ---------------------------------------------------------------------------

// parseChainPEM decodes every CERTIFICATE block in leaf-first order.
func parseChainPEM(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		data = rest
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", len(chain), err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no CERTIFICATE blocks found")
	}
	return chain, nil
}

// verifyChain checks a leaf-first certificate chain offline: signatures,
// validity windows, CA markings and path length constraints. Revocation
// state lives on the issuing server and cannot be checked here.
func verifyChain(chain []*x509.Certificate, at time.Time) verifyResult {
	result := verifyResult{
		Leaf:      chain[0].Subject.String(),
		CertCount: len(chain),
		Valid:     true,
	}

	// 1. Every link must carry the issuer's signature.
	sigOK := true
	var sigDetail string
	for i := 0; i+1 < len(chain); i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			sigOK = false
			sigDetail = fmt.Sprintf("certificate %d (%s) is not signed by certificate %d: %v",
				i, chain[i].Subject.CommonName, i+1, err)
			break
		}
	}
	if sigOK {
		result.Checks = append(result.Checks, checkResult{
			Name:   "signature_chain",
			Status: "pass",
			Detail: fmt.Sprintf("all %d links verify", len(chain)-1),
		})
	} else {
		result.Valid = false
		result.Checks = append(result.Checks, checkResult{
			Name: "signature_chain", Status: "fail", Detail: sigDetail,
		})
	}

	// 2. The chain should terminate at a self-signed root. A partial chain
	// is a warning, not a failure.
	last := chain[len(chain)-1]
	if err := last.CheckSignature(last.SignatureAlgorithm, last.RawTBSCertificate, last.Signature); err == nil {
		result.Checks = append(result.Checks, checkResult{
			Name: "self_signed_root", Status: "pass",
		})
	} else {
		result.Checks = append(result.Checks, checkResult{
			Name:   "self_signed_root",
			Status: "warn",
			Detail: fmt.Sprintf("last certificate (%s) is not self-signed, chain may be partial", last.Subject.CommonName),
		})
	}

	// 3. Validity windows.
	expiredOK := true
	var expiredDetail string
	for i, cert := range chain {
		if at.Before(cert.NotBefore) || at.After(cert.NotAfter) {
			expiredOK = false
			expiredDetail = fmt.Sprintf("certificate %d (%s) is not valid at %s (valid %s to %s)",
				i, cert.Subject.CommonName, at.Format(time.RFC3339),
				cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
			break
		}
	}
	if expiredOK {
		result.Checks = append(result.Checks, checkResult{
			Name: "validity_windows", Status: "pass",
		})
	} else {
		result.Valid = false
		result.Checks = append(result.Checks, checkResult{
			Name: "validity_windows", Status: "fail", Detail: expiredDetail,
		})
	}

	// 4. Every issuer must be marked as a CA with the certSign key usage.
	caOK := true
	var caDetail string
	for i := 1; i < len(chain); i++ {
		cert := chain[i]
		if !cert.BasicConstraintsValid || !cert.IsCA {
			caOK = false
			caDetail = fmt.Sprintf("certificate %d (%s) issued a certificate but is not a CA",
				i, cert.Subject.CommonName)
			break
		}
		if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
			caOK = false
			caDetail = fmt.Sprintf("certificate %d (%s) lacks the certSign key usage",
				i, cert.Subject.CommonName)
			break
		}
	}
	if caOK {
		result.Checks = append(result.Checks, checkResult{
			Name: "ca_constraints", Status: "pass",
		})
	} else {
		result.Valid = false
		result.Checks = append(result.Checks, checkResult{
			Name: "ca_constraints", Status: "fail", Detail: caDetail,
		})
	}

	// 5. Path length constraints. A CA at index i has i-1 intermediates
	// below it in this chain.
	plOK := true
	var plDetail string
	for i := 1; i < len(chain); i++ {
		cert := chain[i]
		constrained := cert.MaxPathLen > 0 || (cert.MaxPathLen == 0 && cert.MaxPathLenZero)
		if constrained && i-1 > cert.MaxPathLen {
			plOK = false
			plDetail = fmt.Sprintf("certificate %d (%s) allows %d intermediate(s) below it but has %d",
				i, cert.Subject.CommonName, cert.MaxPathLen, i-1)
			break
		}
	}
	if plOK {
		result.Checks = append(result.Checks, checkResult{
			Name: "path_length", Status: "pass",
		})
	} else {
		result.Valid = false
		result.Checks = append(result.Checks, checkResult{
			Name: "path_length", Status: "fail", Detail: plDetail,
		})
	}

	return result
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanResult(result verifyResult) {
	fmt.Printf("Certificate chain verification: %s\n", result.File)
	fmt.Printf("Leaf:         %s\n", result.Leaf)
	fmt.Printf("Certificates: %d\n\n", result.CertCount)

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
		case "warn":
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Printf("%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Printf("%s %s\n", tag, c.Name)
		}
	}

	fmt.Println()
	if result.Valid {
		fmt.Println("Result: VALID")
	} else {
		failures := 0
		warnings := 0
		for _, c := range result.Checks {
			if c.Status == "fail" {
				failures++
			} else if c.Status == "warn" {
				warnings++
			}
		}
		fmt.Printf("Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

func printJSONResult(result verifyResult) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var (
	verifyJSONOutput bool
	verifyAtTime     string
)

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify an exported PEM certificate chain offline",
	Long: `Reads a leaf-first PEM chain (from GET /certificates/{id}/download/pem)
and verifies signatures, validity windows, CA markings and path length
constraints.

Revocation state is held by the issuing server and cannot be checked
offline; fetch the issuer's CRL for that.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	chainCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
	verifyCmd.Flags().StringVar(&verifyAtTime, "at", "", "Verify validity at this RFC3339 time instead of now")
}

func runVerify(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	at := time.Now()
	if verifyAtTime != "" {
		parsed, err := time.Parse(time.RFC3339, verifyAtTime)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --at time: %v\n", err)
			os.Exit(2)
		}
		at = parsed
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read file: %v\n", err)
		os.Exit(2)
	}

	chain, err := parseChainPEM(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid chain: %v\n", err)
		os.Exit(2)
	}

	result := verifyChain(chain, at)
	result.File = filePath

	if verifyJSONOutput {
		if err := printJSONResult(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
