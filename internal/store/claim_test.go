package store

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"beatsync/internal/models"
)

// Requires a reachable Postgres; skipped otherwise:
//
//	POSTGRES_TEST_DSN=postgres://... go test ./internal/store/
func TestTryClaimNextSingleWinner(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx := context.Background()
	st, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	owner := "owner-" + uuid.NewString()
	video, err := st.CreateMedia(ctx, CreateMediaParams{
		OwnerID:    owner,
		Kind:       models.MediaVideo,
		StorageKey: "media/video/" + uuid.NewString() + ".mp4",
	})
	if err != nil {
		t.Fatalf("create media: %v", err)
	}

	// A throwaway mode keeps this row invisible to any other claimer that
	// might be pointed at the same database.
	mode := "claim-race-" + uuid.NewString()
	created, err := st.CreateRequest(ctx, CreateRequestParams{
		OwnerID: owner,
		VideoID: &video.ID,
		Mode:    mode,
		Status:  models.StatusQueued,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	t.Cleanup(func() {
		_, _ = st.pool.Exec(ctx, `DELETE FROM analysis_requests WHERE id = $1`, created.ID)
		_, _ = st.pool.Exec(ctx, `DELETE FROM media_files WHERE id = $1`, video.ID)
	})

	filter := ClaimFilter{Statuses: []string{models.StatusQueued}, Modes: []string{mode}}

	const workers = 8
	start := make(chan struct{})
	wins := make(chan models.Request, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, claimErr := st.TryClaimNext(ctx, filter)
			if claimErr != nil {
				t.Errorf("claim: %v", claimErr)
				return
			}
			if got != nil {
				wins <- *got
			}
		}()
	}
	close(start)
	wg.Wait()
	close(wins)

	var winners []models.Request
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("%d workers claimed the row, want exactly 1", len(winners))
	}
	winner := winners[0]
	if winner.ID != created.ID {
		t.Fatalf("claimed id = %s, want %s", winner.ID, created.ID)
	}
	if winner.Status != models.StatusRunning {
		t.Fatalf("claimed status = %q, want running", winner.Status)
	}
	if winner.StartedAt == nil {
		t.Fatal("claim did not stamp started_at")
	}

	// The claimed row must stay invisible to further claims.
	again, err := st.TryClaimNext(ctx, filter)
	if err != nil {
		t.Fatalf("post-claim poll: %v", err)
	}
	if again != nil {
		t.Fatalf("claimed request %s was claimed twice", again.ID)
	}
}
