package service

import (
	"encoding/json"
	"strings"

	"github.com/haatos/hookci/internal/types"
)

type scanReport struct {
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID string `json:"VulnerabilityID"`
			PkgName         string `json:"PkgName"`
			Severity        string `json:"Severity"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// ParseScanReport counts the vulnerabilities of a trivy JSON report by
// severity. The same vulnerability reported for several targets is counted
// once per target.
func ParseScanReport(b []byte) (*types.ScanSummary, error) {
	report := new(scanReport)
	if err := json.Unmarshal(b, report); err != nil {
		return nil, err
	}
	summary := new(types.ScanSummary)
	for _, r := range report.Results {
		for _, v := range r.Vulnerabilities {
			switch strings.ToUpper(v.Severity) {
			case "CRITICAL":
				summary.Critical++
			case "HIGH":
				summary.High++
			case "MEDIUM":
				summary.Medium++
			case "LOW":
				summary.Low++
			default:
				summary.Unknown++
			}
		}
	}
	return summary, nil
}
