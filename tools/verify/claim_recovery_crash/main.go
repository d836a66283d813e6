// Command claim_recovery_crash checks that a claim abandoned by a killed
// process is reclaimed once stale and then deduplicates.
//
//	claim_recovery_crash -mode prepare -db loopd.db
//	claim_recovery_crash -mode claim-sleep -db loopd.db &  # then kill -9
//	claim_recovery_crash -mode recover -db loopd.db -stale 1s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/loopd/internal/claim"
	"github.com/basket/loopd/internal/envelope"
	"github.com/basket/loopd/internal/persistence"
)

const (
	loopID  = "11111111-2222-3333-4444-555555555555"
	eventID = "crash-event-1"
	runID   = "crash-run-1"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	stale := flag.Duration("stale", time.Second, "reclaim threshold for recover")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	req := claim.Request{
		LoopID:   loopID,
		Envelope: envelope.Envelope{PayloadVersion: 2, EventID: eventID, RunID: runID, Seq: 1},
		ThreadID: "crash-thread",
		Signal:   "implementation_completed",
	}

	switch *mode {
	case "prepare":
		_, err := store.GetLoop(ctx, loopID)
		if errors.Is(err, persistence.ErrNotFound) {
			err = store.CreateLoop(ctx, &persistence.Loop{ID: loopID, ThreadID: "crash-thread"})
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "create loop: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_LOOP_ID=%s\n", loopID)
	case "claim-sleep":
		claims, err := claim.New(claim.Config{Store: store})
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim init: %v\n", err)
			os.Exit(1)
		}
		res, err := claims.Claim(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim: %v\n", err)
			os.Exit(1)
		}
		c, ok := res.(claim.Claimed)
		if !ok {
			fmt.Fprintf(os.Stderr, "expected a fresh claim, got %s\n", res.Kind())
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_ENTRY_ID=%s\n", c.Ref.EntryID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		claims, err := claim.New(claim.Config{Store: store, StaleAfter: *stale})
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim init: %v\n", err)
			os.Exit(1)
		}
		res, err := claims.Claim(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reclaim: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECLAIM_RESULT=%s\n", res.Kind())
		c, ok := res.(claim.Claimed)
		if !ok || !c.Reclaimed {
			fmt.Println("VERDICT FAIL: abandoned claim was not reclaimed")
			os.Exit(1)
		}
		outcome, err := claims.Commit(ctx, c.Ref)
		if err != nil {
			fmt.Fprintf(os.Stderr, "commit: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("COMMIT_OUTCOME=%s\n", outcome)
		again, err := claims.Claim(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "retry claim: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RETRY_RESULT=%s\n", again.Kind())
		if again.Kind() != claim.KindDuplicate {
			fmt.Println("VERDICT FAIL: committed event was not deduplicated")
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
