// Benchmark tool for measuring Kestrel risk scoring against labeled KYC data.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/kyc.csv -url http://localhost:8080 -type RISK
//
// This tool:
//  1. Reads labeled records from a CSV (label column: 1 = fraud, 0 = clean)
//  2. Optionally trains a new model version on the first -train fraction
//  3. Scores the remaining records through POST /score/{type}
//  4. Compares flagged records (risk level at or above -flag) with the labels
//  5. Reports precision, recall, F1-score, confusion matrix and latency
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LabeledRecord is one CSV row.
type LabeledRecord struct {
	Record  domain.RawRecord
	IsFraud bool
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Clean flagged
	TrueNegatives  int64 // Clean passed
	FalseNegatives int64 // Fraud passed (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

// levelRank orders risk levels for the -flag threshold.
var levelRank = map[domain.RiskLevel]int{
	domain.RiskLow:    0,
	domain.RiskMedium: 1,
	domain.RiskHigh:   2,
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	modelType := flag.String("type", "RISK", "Model type to score with")
	limit := flag.Int("limit", 10000, "Maximum records to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	trainFrac := flag.Float64("train", 0, "Fraction of records to train a new version on first (0 = score only)")
	flagLevel := flag.String("flag", "HIGH", "Lowest risk level counted as a fraud prediction (MEDIUM or HIGH)")
	verbose := flag.Bool("verbose", false, "Print each record result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/kyc.csv [-url http://localhost:8080] [-type RISK]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	t, err := domain.ParseModelType(*modelType)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	threshold, ok := levelRank[domain.RiskLevel(strings.ToUpper(*flagLevel))]
	if !ok {
		fmt.Printf("ERROR: unknown risk level %q\n", *flagLevel)
		os.Exit(1)
	}
	if *trainFrac < 0 || *trainFrac >= 1 {
		fmt.Println("ERROR: -train must be in [0, 1)")
		os.Exit(1)
	}

	fmt.Println("================================================================")
	fmt.Println("          KESTREL BENCHMARK - Labeled KYC Risk Scoring")
	fmt.Println("================================================================")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Model Type:  %s\n", t)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Train Frac:  %.2f\n", *trainFrac)
	fmt.Printf("Flag Level:  %s\n", strings.ToUpper(*flagLevel))
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("OK Kestrel is healthy")

	// Read labeled data
	fmt.Printf("\nReading labeled data from %s...\n", *csvPath)
	records, err := readLabeledCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("ERROR: no records in CSV")
		os.Exit(1)
	}
	fmt.Printf("OK Loaded %d records\n", len(records))

	fraudCount := 0
	for _, r := range records {
		if r.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(records)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(records)-fraudCount, 100*float64(len(records)-fraudCount)/float64(len(records)))

	// Train on the head of the data, score the tail
	if *trainFrac > 0 {
		split := int(float64(len(records)) * *trainFrac)
		fmt.Printf("\nTraining %s on %d records...\n", t, split)
		id, err := trainModel(*baseURL, t, records[:split])
		if err != nil {
			fmt.Printf("ERROR: training failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("OK Published model %s\n", id)
		records = records[split:]
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(records, *baseURL, t, threshold, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readLabeledCSV reads rows whose headers name RawRecord JSON fields, plus a
// "label" column. Unknown columns are ignored.
func readLabeledCSV(path string, limit int) ([]LabeledRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["label"]; !ok {
		return nil, fmt.Errorf("missing label column")
	}

	var records []LabeledRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		get := func(name string) string {
			if i, ok := colIndex[strings.ToLower(name)]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		num := func(name string) *float64 {
			v, err := strconv.ParseFloat(get(name), 64)
			if err != nil {
				return nil
			}
			return &v
		}

		records = append(records, LabeledRecord{
			Record: domain.RawRecord{
				FirstName:       get("firstName"),
				LastName:        get("lastName"),
				DateOfBirth:     get("dateOfBirth"),
				Email:           get("email"),
				Address:         get("address"),
				City:            get("city"),
				Country:         get("country"),
				PostalCode:      get("postalCode"),
				DocumentType:    get("documentType"),
				DocumentNumber:  get("documentNumber"),
				Status:          get("status"),
				Notes:           get("notes"),
				TrustScore:      num("trustScore"),
				CreatedAt:       get("createdAt"),
				Amount:          num("amount"),
				TransactionTime: get("transactionTime"),
			},
			IsFraud: get("label") == "1",
		})

		if limit > 0 && len(records) >= limit {
			break
		}
	}

	return records, nil
}

func trainModel(baseURL string, t domain.ModelType, records []LabeledRecord) (string, error) {
	var batch domain.TrainingBatch
	for _, r := range records {
		batch.Records = append(batch.Records, r.Record)
		label := 0
		if r.IsFraud {
			label = 1
		}
		batch.Labels = append(batch.Labels, label)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return "", err
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(fmt.Sprintf("%s/models/%s/train", baseURL, t), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, out["error"])
	}
	return out["id"], nil
}

func runBenchmark(records []LabeledRecord, baseURL string, t domain.ModelType, threshold, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledRecord, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for rec := range work {
				start := time.Now()
				result, err := scoreRecord(client, baseURL, t, rec.Record)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", rec.Record.Email, err)
					}
					continue
				}

				if rec.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := levelRank[result.RiskLevel] >= threshold
				actual := rec.IsFraud

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "ok"
					if predicted != actual {
						status = "XX"
					}
					fmt.Printf("%s %-24s | Fraud: %-5v | %-6s (%6.2f) | %s\n",
						status,
						rec.Record.Email,
						rec.IsFraud,
						result.RiskLevel,
						result.RiskScore,
						result.Explanation,
					)
				}
			}
		}()
	}

	for _, rec := range records {
		work <- rec
	}
	close(work)

	wg.Wait()

	return metrics
}

func scoreRecord(client *http.Client, baseURL string, t domain.ModelType, raw domain.RawRecord) (*domain.ScoringResult, error) {
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/score/%s", baseURL, t), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.ScoringResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n================================================================")
	fmt.Println("                      BENCHMARK RESULTS")
	fmt.Println("================================================================")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    FLAG        PASS")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  F  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("          NF  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we flag)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	if m.TotalNonFraud > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNonFraud) * 100
		fmt.Printf("   False Alarms: %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, falseAlarmRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f records/sec\n", rps)
	}

	fmt.Println()
}
