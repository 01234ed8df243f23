package emagsync_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/lumisoft/seller_backend/config"
	"bitbucket.org/lumisoft/seller_backend/emagsync"
	"bitbucket.org/lumisoft/seller_backend/models"
)

func TestUpsertBatchAgainstMySQL(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "seller_test")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		t.Fatal("db is nil after ConnectDatabaseWithRetry")
	}
	models.MigrateTable()

	run := models.SyncRun{
		Account:  models.AccountMAIN,
		ItemKind: models.ItemKindOffer,
		Mode:     models.SyncModeFull,
		Status:   models.SyncRunStatusRunning,
	}
	if err := db.Create(&run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}

	now := time.Now().UTC()
	items := []emagsync.RemoteItem{
		{ExternalId: "1001", Account: models.AccountMAIN, Kind: models.ItemKindOffer, Name: "Widget", Sku: "WGT-1", Price: decimal.NewFromFloat(19.99), Stock: 5, RemoteUpdatedAt: &now},
		{ExternalId: "1002", Account: models.AccountMAIN, Kind: models.ItemKindOffer, Name: "Gadget", Sku: "GDG-1", Price: decimal.NewFromFloat(7.50), Stock: 0, RemoteUpdatedAt: &now},
	}

	// First pass creates.
	res, err := emagsync.UpsertBatch(ctx, db, run.ID, items, emagsync.RemoteWins(), 100)
	if err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if res.Created != 2 || res.Updated != 0 {
		t.Fatalf("first pass: created=%d updated=%d", res.Created, res.Updated)
	}

	// Replay of the same page is idempotent.
	res, err = emagsync.UpsertBatch(ctx, db, run.ID, items, emagsync.RemoteWins(), 100)
	if err != nil {
		t.Fatalf("UpsertBatch replay: %v", err)
	}
	if res.Created != 0 || res.Updated != 0 || res.Unchanged != 2 {
		t.Fatalf("replay: %+v", res)
	}

	// A changed remote value updates exactly the changed record.
	items[0].Price = decimal.NewFromFloat(24.99)
	res, err = emagsync.UpsertBatch(ctx, db, run.ID, items, emagsync.RemoteWins(), 100)
	if err != nil {
		t.Fatalf("UpsertBatch update: %v", err)
	}
	if res.Updated != 1 || res.Unchanged != 1 {
		t.Fatalf("update pass: %+v", res)
	}

	var rec models.MarketplaceRecord
	if err := db.Where("external_id = ? AND account = ? AND item_kind = ?", "1001", models.AccountMAIN, models.ItemKindOffer).Take(&rec).Error; err != nil {
		t.Fatalf("fetch record: %v", err)
	}
	if rec.Price.String() != "24.99" {
		t.Fatalf("price = %s", rec.Price)
	}
}

func TestUpsertBatchSavepointIsolation(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "seller_test")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		t.Fatal("db is nil after ConnectDatabaseWithRetry")
	}
	models.MigrateTable()

	run := models.SyncRun{
		Account:  models.AccountFBE,
		ItemKind: models.ItemKindProduct,
		Mode:     models.SyncModeFull,
		Status:   models.SyncRunStatusRunning,
	}
	if err := db.Create(&run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}

	items := []emagsync.RemoteItem{
		{ExternalId: "2001", Account: models.AccountFBE, Kind: models.ItemKindProduct, Name: "Good A", Sku: "A"},
		{ExternalId: "", Account: models.AccountFBE, Kind: models.ItemKindProduct, Name: "Broken", ParseErr: fmt.Errorf("item id missing")},
		{ExternalId: "2003", Account: models.AccountFBE, Kind: models.ItemKindProduct, Name: "Good B", Sku: "B"},
	}

	res, err := emagsync.UpsertBatch(ctx, db, run.ID, items, emagsync.RemoteWins(), 100)
	if err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if res.Created != 2 {
		t.Fatalf("created = %d, the bad item must not poison its neighbors", res.Created)
	}
	if len(res.Failed) != 1 {
		t.Fatalf("failed = %d", len(res.Failed))
	}

	var count int64
	if err := db.Model(&models.MarketplaceRecord{}).
		Where("account = ? AND item_kind = ?", models.AccountFBE, models.ItemKindProduct).
		Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("persisted records = %d", count)
	}

	var syncErrs []models.SyncError
	if err := db.Where("sync_run_id = ?", run.ID).Find(&syncErrs).Error; err != nil {
		t.Fatal(err)
	}
	if len(syncErrs) != 1 {
		t.Fatalf("sync errors = %d", len(syncErrs))
	}

	// Manual review flags a diverging record instead of writing it.
	res, err = emagsync.UpsertBatch(ctx, db, run.ID, []emagsync.RemoteItem{
		{ExternalId: "2001", Account: models.AccountFBE, Kind: models.ItemKindProduct, Name: "Renamed A", Sku: "A"},
	}, emagsync.ManualReview(), 100)
	if err != nil {
		t.Fatalf("UpsertBatch manual: %v", err)
	}
	if res.Flagged != 1 {
		t.Fatalf("flagged = %d", res.Flagged)
	}
	var rec models.MarketplaceRecord
	if err := db.Where("external_id = ? AND account = ? AND item_kind = ?", "2001", models.AccountFBE, models.ItemKindProduct).Take(&rec).Error; err != nil {
		t.Fatal(err)
	}
	if !rec.ConflictFlagged || rec.Name != "Good A" {
		t.Fatalf("record = flagged:%v name:%q, conflicting field must not be overwritten", rec.ConflictFlagged, rec.Name)
	}

	// Vanished items are deactivated, never deleted.
	cutoff := time.Now().UTC().Add(time.Minute)
	n, err := emagsync.DeactivateMissing(ctx, db, models.AccountFBE, models.ItemKindProduct, cutoff)
	if err != nil {
		t.Fatalf("DeactivateMissing: %v", err)
	}
	if n == 0 {
		t.Fatal("expected records to be deactivated")
	}
	if err := db.Model(&models.MarketplaceRecord{}).
		Where("account = ? AND item_kind = ?", models.AccountFBE, models.ItemKindProduct).
		Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("deactivation must not delete rows, count = %d", count)
	}
}

func TestReconcileRebuildsInventoryLevels(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "seller_test")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		t.Fatal("db is nil after ConnectDatabaseWithRetry")
	}
	models.MigrateTable()

	items := []emagsync.RemoteItem{
		{ExternalId: "3001", Account: models.AccountMAIN, Kind: models.ItemKindOffer, Sku: "R-1", Stock: 10},
		{ExternalId: "3002", Account: models.AccountMAIN, Kind: models.ItemKindOffer, Sku: "R-2", Stock: 1},
	}
	if _, err := emagsync.UpsertBatch(ctx, db, 0, items, emagsync.RemoteWins(), 100); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	res, err := emagsync.Reconcile(ctx, db, models.AccountMAIN, nil, 2)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.ItemsAffected != 2 {
		t.Fatalf("items affected = %d", res.ItemsAffected)
	}

	var level models.InventoryLevel
	if err := db.Where("account = ? AND sku = ?", models.AccountMAIN, "R-2").Take(&level).Error; err != nil {
		t.Fatal(err)
	}
	if level.OnHand != 1 || !level.LowStock {
		t.Fatalf("level = %+v, want low stock at threshold 2", level)
	}

	// A second pass converges to the same state.
	res, err = emagsync.Reconcile(ctx, db, models.AccountMAIN, nil, 2)
	if err != nil {
		t.Fatalf("Reconcile replay: %v", err)
	}
	if res.ItemsAffected != 2 {
		t.Fatalf("replay affected = %d", res.ItemsAffected)
	}
	var count int64
	if err := db.Model(&models.InventoryLevel{}).Where("account = ?", models.AccountMAIN).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("reconcile must upsert, not append: %d rows", count)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("seller-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=seller_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
