package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// User represents the structure of a user document to insert
type User struct {
	Name    string `json:"name"`
	Age     int    `json:"age"`
	Email   string `json:"email"`
	Country string `json:"country"`
}

var countries = []string{"NO", "SE", "DK", "FI", "IS"}

// generateRandomName generates a random 6-letter name
func generateRandomName(r *rand.Rand) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	name := make([]byte, 6)
	for i := range name {
		name[i] = letters[r.IntN(len(letters))]
	}
	// Capitalize first letter
	name[0] = name[0] - 32
	return string(name)
}

// generateUser builds a user with a unique email so that inserts never
// collide on the email primary index.
func generateUser(r *rand.Rand) User {
	name := generateRandomName(r)
	return User{
		Name:    name,
		Age:     r.IntN(82) + 18,
		Email:   fmt.Sprintf("%s.%s@example.com", strings.ToLower(name), uuid.NewString()[:8]),
		Country: countries[r.IntN(len(countries))],
	}
}

// insertBatch sends one batch insert request
func insertBatch(ctx context.Context, client *http.Client, url string, users []User) error {
	body, err := json.Marshal(map[string]any{"documents": users})
	if err != nil {
		return fmt.Errorf("failed to marshal users: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// countByCountry reads one page of a secondary index to check it answers.
func countByCountry(ctx context.Context, client *http.Client, baseURL, collection, country string) (int, error) {
	url := fmt.Sprintf("%s/collections/%s/indexes/country/%s?limit=1000", baseURL, collection, country)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var page struct {
		Count   int  `json:"count"`
		HasNext bool `json:"has_next"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return 0, err
	}
	return page.Count, nil
}

func main() {
	var (
		numUsers    = flag.Int("users", 1000, "Number of users to insert")
		serverURL   = flag.String("url", "http://localhost:8080", "Server URL")
		collection  = flag.String("collection", "users", "Target collection; should declare email=primary,country=secondary")
		batchSize   = flag.Int("batch", 100, "Documents per batch request (max 1000)")
		concurrency = flag.Int("concurrency", 4, "Concurrent batch requests")
	)
	flag.Parse()

	if *numUsers <= 0 || *batchSize <= 0 || *batchSize > 1000 || *concurrency <= 0 {
		fmt.Println("Error: users, batch and concurrency must be positive and batch at most 1000")
		os.Exit(1)
	}

	fmt.Printf("Starting load test: inserting %d users to %s\n", *numUsers, *serverURL)
	fmt.Println("Press Ctrl+C to stop early")

	ctx := context.Background()
	client := &http.Client{Timeout: 30 * time.Second}
	url := fmt.Sprintf("%s/collections/%s/batch", *serverURL, *collection)
	startTime := time.Now()

	var successCount, errorCount, batches atomic.Int64
	totalBatches := (*numUsers + *batchSize - 1) / *batchSize
	reportInterval := int64(max(1, totalBatches/10))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for offset := 0; offset < *numUsers; offset += *batchSize {
		n := min(*batchSize, *numUsers-offset)
		seed := uint64(offset)
		g.Go(func() error {
			r := rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano())))
			users := make([]User, n)
			for i := range users {
				users[i] = generateUser(r)
			}

			if err := insertBatch(gctx, client, url, users); err != nil {
				errorCount.Add(int64(n))
				fmt.Printf("Error inserting batch at offset %d: %v\n", seed, err)
			} else {
				successCount.Add(int64(n))
			}

			// Report progress
			if done := batches.Add(1); done%reportInterval == 0 || done == int64(totalBatches) {
				elapsed := time.Since(startTime)
				inserted := successCount.Load() + errorCount.Load()
				fmt.Printf("Progress: %d/%d batches - Rate: %.1f users/sec - Success: %d, Errors: %d\n",
					done, totalBatches, float64(inserted)/elapsed.Seconds(), successCount.Load(), errorCount.Load())
			}
			return nil
		})
	}
	g.Wait()

	// Final statistics
	totalTime := time.Since(startTime)
	averageRate := float64(*numUsers) / totalTime.Seconds()

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("LOAD TEST COMPLETE")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Total users attempted: %d\n", *numUsers)
	fmt.Printf("Successful inserts:    %d\n", successCount.Load())
	fmt.Printf("Failed inserts:        %d\n", errorCount.Load())
	fmt.Printf("Success rate:          %.2f%%\n", float64(successCount.Load())/float64(*numUsers)*100)
	fmt.Printf("Total time:            %v\n", totalTime)
	fmt.Printf("Average rate:          %.2f users/sec\n", averageRate)

	for _, country := range countries {
		n, err := countByCountry(ctx, client, *serverURL, *collection, country)
		if err != nil {
			fmt.Printf("Index lookup for %s failed: %v\n", country, err)
			continue
		}
		fmt.Printf("Users in %s (first page): %d\n", country, n)
	}

	if errorCount.Load() > 0 {
		fmt.Printf("\nWarning: %d errors occurred during the load test\n", errorCount.Load())
		os.Exit(1)
	}

	fmt.Println("\nLoad test completed successfully!")
}
