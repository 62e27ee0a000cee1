package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/amirk1998/classroom-access/internal/audit"
	"github.com/amirk1998/classroom-access/internal/authz"
	"github.com/amirk1998/classroom-access/internal/backup"
	"github.com/amirk1998/classroom-access/internal/config"
	"github.com/amirk1998/classroom-access/internal/credential"
	"github.com/amirk1998/classroom-access/internal/database"
	"github.com/amirk1998/classroom-access/internal/logging"
	"github.com/amirk1998/classroom-access/internal/models"
	"github.com/amirk1998/classroom-access/internal/ratelimit"
	"github.com/amirk1998/classroom-access/internal/repository"
	"github.com/amirk1998/classroom-access/internal/security"
	"github.com/amirk1998/classroom-access/internal/service"
	"github.com/amirk1998/classroom-access/internal/session"
	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
)

type Application struct {
	config       *config.Config
	logger       *logrus.Logger
	db           *sql.DB
	redis        *redis.Client
	authService  *service.AuthService
	adminService *service.AdminService
	sessions     *session.Manager
	auditLogger  *audit.Logger
	auditMonitor *audit.Monitor
	backupMgr    *backup.Manager
	rateLimiter  *ratelimit.RateLimiter

	currentToken    string
	currentIdentity string
}

func main() {
	fmt.Println("===========================================")
	fmt.Println("  Classroom Access Control")
	fmt.Println("===========================================")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	app, err := initializeApplication(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize application")
	}
	defer app.cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, created, err := app.authService.EnsureDefaultAdmin(ctx); err != nil {
		logger.WithError(err).Fatal("failed to bootstrap administrator")
	} else if created {
		fmt.Printf("[OK] Default administrator %s created; change its password now\n", cfg.DefaultAdminIdentity)
	}

	fmt.Println("[OK] Application initialized")
	fmt.Printf("[OK] Database driver: %s\n", cfg.DBDriver)
	fmt.Printf("[OK] Session store: %s, audit store: %s\n", cfg.SessionStore, cfg.AuditStore)
	fmt.Println()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\n\n[Shutdown] Received shutdown signal...")
		cancel()
	}()

	if app.backupMgr != nil {
		go app.backupMgr.StartAutomatedBackups(ctx, cfg.BackupInterval)
	}
	if cfg.SessionSweepInterval > 0 {
		go app.sessions.StartSweeper(ctx, cfg.SessionSweepInterval, time.Now)
	}
	go app.rateLimiter.StartCleanupWorker(ctx, time.Hour)
	go app.auditMonitor.Start(ctx)

	app.runCLI(ctx)
}

// initializeApplication wires storage, security and services from cfg.
func initializeApplication(cfg *config.Config, logger *logrus.Logger) (*Application, error) {
	keys, err := security.NewKeyManager(cfg.DBEncryptionKey, cfg.BackupEncryptionKey, cfg.AuditChainKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key manager: %w", err)
	}

	db, err := database.Connect(database.Config{
		Driver:        cfg.DBDriver,
		Path:          cfg.DBPath,
		EncryptionKey: keys.DatabaseKey(),
		MaxOpenConns:  cfg.DBMaxOpenConns,
		MaxIdleConns:  1,
		MaxLifetime:   time.Hour,
		MaxIdleTime:   10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	app := &Application{config: cfg, logger: logger, db: db}

	if err := database.Migrate(db); err != nil {
		app.cleanup()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	runner := database.NewRunner(cfg.StorageTimeout, cfg.StorageReadRetries, logger)

	var auditStore audit.Store
	switch cfg.AuditStore {
	case config.StoreBolt:
		bs, err := audit.OpenBoltStore(cfg.AuditBoltPath)
		if err != nil {
			app.cleanup()
			return nil, err
		}
		auditStore = bs
	default:
		auditStore = audit.NewSQLStore(db)
	}

	app.auditLogger, err = audit.NewLogger(auditStore, cfg.AuditLogPath,
		audit.WithChainKey(keys.AuditChainKey()),
		audit.WithRunner(runner),
		audit.WithLogger(logger),
	)
	if err != nil {
		auditStore.Close()
		app.cleanup()
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	app.auditMonitor = audit.NewMonitor(app.auditLogger, audit.DefaultMonitorConfig(), logger)
	app.auditMonitor.OnIntegrityViolation = func(err error) {
		logger.WithError(err).WithField("alert", true).Error("audit chain integrity violation detected")
	}

	var sessionStore session.Store
	switch cfg.SessionStore {
	case config.StoreRedis:
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := app.redis.Ping(context.Background()).Err(); err != nil {
			app.cleanup()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		sessionStore = repository.NewRedisSessionStore(app.redis, time.Hour)
	default:
		sessionStore = repository.NewSessionRepository(db)
	}
	app.sessions = session.NewManager(sessionStore, runner, session.Config{
		Timeout:       cfg.SessionTimeout,
		SweepInterval: cfg.SessionSweepInterval,
	}, logger)

	hasher, err := security.NewPasswordHasher(cfg.PasswordHashScheme, cfg.PasswordHashCost)
	if err != nil {
		app.cleanup()
		return nil, err
	}

	creds := credential.NewStore(db, runner, hasher, credential.Config{
		LockoutThreshold: cfg.LockoutThreshold,
		LockoutDuration:  cfg.LockoutDuration,
		HistorySize:      cfg.PasswordHistorySize,
	}, logger)

	app.rateLimiter = ratelimit.NewRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)

	app.authService, err = service.NewAuthService(service.Dependencies{
		Credentials:          creds,
		Hasher:               hasher,
		Policy:               security.NewPolicyEngine(cfg.PasswordPolicy, hasher),
		Sessions:             app.sessions,
		Authorizer:           authz.NewAuthorizer(authz.DefaultPolicy(), app.auditLogger, logger),
		Audit:                app.auditLogger,
		RateLimiter:          app.rateLimiter,
		Logger:               logger,
		ResetTokenTTL:        cfg.ResetTokenTTL,
		DefaultAdminIdentity: cfg.DefaultAdminIdentity,
		DefaultAdminPassword: cfg.DefaultAdminPassword,
	})
	if err != nil {
		app.cleanup()
		return nil, err
	}

	if key := keys.BackupKey(); key != nil {
		sealer, err := security.NewSealer(key)
		if err != nil {
			app.cleanup()
			return nil, err
		}
		app.backupMgr, err = backup.NewManager(db, sealer, cfg.BackupDir, cfg.BackupRetentionDays, app.auditLogger, logger)
		if err != nil {
			app.cleanup()
			return nil, fmt.Errorf("failed to initialize backup manager: %w", err)
		}
	} else {
		logger.Warn("BACKUP_ENCRYPTION_KEY not set; backups disabled")
	}

	app.adminService = service.NewAdminService(app.authService, app.backupMgr, logger)
	return app, nil
}

// cleanup performs cleanup operations
func (app *Application) cleanup() {
	fmt.Println("\n[Cleanup] Shutting down gracefully...")

	if app.currentToken != "" && app.authService != nil {
		if err := app.authService.Logout(context.Background(), app.currentToken); err != nil {
			app.logger.WithError(err).Warn("failed to revoke session on exit")
		}
	}
	if app.auditLogger != nil {
		app.auditLogger.Close()
	}
	if app.redis != nil {
		app.redis.Close()
	}
	if app.db != nil {
		app.db.Close()
	}

	fmt.Println("[Cleanup] Done")
}

// runCLI runs the interactive command-line interface
func (app *Application) runCLI(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if app.currentToken == "" {
				app.showAuthMenu()
			} else {
				app.showMainMenu()
			}

			fmt.Print("\nSelect option: ")
			if !scanner.Scan() {
				return
			}

			choice := strings.TrimSpace(scanner.Text())
			fmt.Println()

			var quit bool
			if app.currentToken == "" {
				quit = app.handleAuthChoice(ctx, choice, scanner)
			} else {
				quit = app.handleMainChoice(ctx, choice, scanner)
			}
			if quit {
				fmt.Println("Goodbye!")
				return
			}
		}
	}
}

func (app *Application) showAuthMenu() {
	fmt.Println("\n--- Authentication Menu ---")
	fmt.Println("1. Login")
	fmt.Println("2. Reset Password")
	fmt.Println("3. Exit")
}

func (app *Application) showMainMenu() {
	fmt.Printf("\n--- Main Menu (User: %s) ---\n", app.currentIdentity)
	fmt.Println(" 1. Check Access")
	fmt.Println(" 2. Change Password")
	fmt.Println(" 3. View Audit Log")
	fmt.Println(" 4. Verify Audit Chain")
	fmt.Println(" 5. Create User")
	fmt.Println(" 6. List Users")
	fmt.Println(" 7. Failed Login Report")
	fmt.Println(" 8. Change Role")
	fmt.Println(" 9. Deactivate User")
	fmt.Println("10. Reactivate User")
	fmt.Println("11. Unlock Account")
	fmt.Println("12. Create Backup")
	fmt.Println("13. Issue Password Reset")
	fmt.Println("14. Logout")
	fmt.Println("15. Exit")
}

func (app *Application) handleAuthChoice(ctx context.Context, choice string, scanner *bufio.Scanner) bool {
	switch choice {
	case "1":
		app.handleLogin(ctx, scanner)
	case "2":
		app.handleResetPassword(ctx, scanner)
	case "3":
		return true
	default:
		fmt.Println("Invalid option")
	}
	return false
}

func (app *Application) handleMainChoice(ctx context.Context, choice string, scanner *bufio.Scanner) bool {
	switch choice {
	case "1":
		app.handleCheckAccess(ctx, scanner)
	case "2":
		app.handleChangePassword(ctx, scanner)
	case "3":
		app.handleViewAuditLog(ctx, scanner)
	case "4":
		app.handleVerifyChain(ctx)
	case "5":
		app.handleCreateUser(ctx, scanner)
	case "6":
		app.handleListUsers(ctx)
	case "7":
		app.handleFailedLogins(ctx)
	case "8":
		app.handleChangeRole(ctx, scanner)
	case "9":
		app.withUserID(scanner, func(id string) error { return app.adminService.DeactivateUser(ctx, app.currentToken, id) })
	case "10":
		app.withUserID(scanner, func(id string) error { return app.adminService.ReactivateUser(ctx, app.currentToken, id) })
	case "11":
		app.withUserID(scanner, func(id string) error { return app.adminService.UnlockAccount(ctx, app.currentToken, id) })
	case "12":
		app.handleCreateBackup(ctx)
	case "13":
		app.handleIssueReset(ctx, scanner)
	case "14":
		app.handleLogout(ctx)
	case "15":
		return true
	default:
		fmt.Println("Invalid option")
	}
	return false
}

func prompt(scanner *bufio.Scanner, label string) string {
	fmt.Print(label)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}

// promptSecret keeps surrounding whitespace; it is part of the password.
func promptSecret(scanner *bufio.Scanner, label string) string {
	fmt.Print(label)
	scanner.Scan()
	return scanner.Text()
}

// report prints err and drops the local session when the server side one
// is gone.
func (app *Application) report(action string, err error) {
	fmt.Printf("%s failed: %v\n", action, err)
	if errors.Is(err, apperrors.ErrSessionExpired) || errors.Is(err, apperrors.ErrSessionRevoked) {
		fmt.Println("Your session has ended; please log in again.")
		app.currentToken = ""
		app.currentIdentity = ""
	}
}

func (app *Application) handleLogin(ctx context.Context, scanner *bufio.Scanner) {
	fmt.Println("=== Login ===")
	identity := prompt(scanner, "Identity: ")
	password := promptSecret(scanner, "Password: ")

	sess, err := app.authService.Login(ctx, identity, password)
	if err != nil {
		var locked *apperrors.AccountLockedError
		if errors.As(err, &locked) {
			fmt.Printf("Account locked. Try again after %s\n", locked.RetryAfter.Local().Format("15:04:05"))
			return
		}
		fmt.Printf("Login failed: %v\n", err)
		return
	}

	app.currentToken = sess.Token
	app.currentIdentity = strings.ToUpper(identity)
	fmt.Printf("✓ Login successful! Session expires at %s\n", sess.ExpiresAt.Local().Format("15:04:05"))
}

func (app *Application) handleLogout(ctx context.Context) {
	if err := app.authService.Logout(ctx, app.currentToken); err != nil {
		fmt.Printf("Logout failed: %v\n", err)
	}
	fmt.Printf("✓ Goodbye, %s!\n", app.currentIdentity)
	app.currentToken = ""
	app.currentIdentity = ""
}

func (app *Application) handleCheckAccess(ctx context.Context, scanner *bufio.Scanner) {
	granted, err := app.authService.Permissions(ctx, app.currentToken)
	if err != nil {
		app.report("Authorization", err)
		return
	}
	allowed := make(map[authz.Action]bool, len(granted))
	for _, a := range granted {
		allowed[a] = true
	}

	fmt.Println("Actions:")
	for _, a := range authz.AllActions {
		mark := " "
		if allowed[a] {
			mark = "*"
		}
		fmt.Printf(" %s %s\n", mark, a)
	}
	action := authz.Action(prompt(scanner, "Action: "))

	ok, err := app.authService.Authorize(ctx, app.currentToken, action)
	if err != nil {
		app.report("Authorization", err)
		return
	}
	if ok {
		fmt.Printf("✓ Allowed: %s\n", action)
	} else {
		fmt.Printf("✗ Denied: %s\n", action)
	}
}

func (app *Application) handleChangePassword(ctx context.Context, scanner *bufio.Scanner) {
	fmt.Println("=== Change Password ===")
	oldPassword := promptSecret(scanner, "Current password: ")
	newPassword := promptSecret(scanner, "New password: ")
	score, label := app.authService.PasswordStrength(newPassword)
	fmt.Printf("Strength: %s (%d/100)\n", label, score)
	confirm := promptSecret(scanner, "Confirm new password: ")
	if newPassword != confirm {
		fmt.Println("Passwords do not match")
		return
	}

	err := app.authService.ChangePassword(ctx, app.currentToken, oldPassword, newPassword)
	if err != nil {
		var violation *apperrors.PolicyViolationError
		if errors.As(err, &violation) {
			fmt.Printf("Password rejected: %s\n", strings.Join(violation.Rules, ", "))
			return
		}
		app.report("Password change", err)
		return
	}
	fmt.Println("✓ Password changed; other sessions were signed out")
}

func (app *Application) handleResetPassword(ctx context.Context, scanner *bufio.Scanner) {
	fmt.Println("=== Reset Password ===")
	resetToken := promptSecret(scanner, "Reset token: ")
	newPassword := promptSecret(scanner, "New password: ")
	confirm := promptSecret(scanner, "Confirm new password: ")
	if newPassword != confirm {
		fmt.Println("Passwords do not match")
		return
	}

	err := app.authService.ResetPassword(ctx, strings.TrimSpace(resetToken), newPassword)
	if err != nil {
		var violation *apperrors.PolicyViolationError
		if errors.As(err, &violation) {
			fmt.Printf("Password rejected: %s\n", strings.Join(violation.Rules, ", "))
			return
		}
		fmt.Printf("Password reset failed: %v\n", err)
		return
	}
	fmt.Println("✓ Password reset; please log in")
}

func (app *Application) handleIssueReset(ctx context.Context, scanner *bufio.Scanner) {
	userID := prompt(scanner, "User ID: ")
	resetToken, expiresAt, err := app.adminService.IssuePasswordReset(ctx, app.currentToken, userID)
	if err != nil {
		app.report("Password reset", err)
		return
	}
	fmt.Printf("✓ Reset token (valid until %s, shown once):\n%s\n", expiresAt.Local().Format("15:04:05"), resetToken)
}

func (app *Application) handleViewAuditLog(ctx context.Context, scanner *bufio.Scanner) {
	var filters audit.Filters
	filters.Action = audit.Action(strings.ToUpper(prompt(scanner, "Action filter (Enter for all): ")))
	if actor := prompt(scanner, "Actor user ID (Enter for all): "); actor != "" {
		filters.ActorID = &actor
	}
	page, _ := strconv.Atoi(prompt(scanner, "Page (default 1): "))

	total, err := app.authService.CountAuditLog(ctx, app.currentToken, filters)
	if err != nil {
		app.report("Audit query", err)
		return
	}
	events, err := app.authService.QueryAuditLog(ctx, app.currentToken, filters, page, 20)
	if err != nil {
		app.report("Audit query", err)
		return
	}

	fmt.Printf("=== Audit Log (%d matching) ===\n", total)
	if len(events) == 0 {
		fmt.Println("No audit events found")
		return
	}
	for _, e := range events {
		actor := "-"
		if e.ActorID != nil {
			actor = *e.ActorID
		}
		fmt.Printf("#%d [%s] %s %s actor=%s target=%s\n",
			e.Sequence, e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, e.Result, actor, e.Target)
		if len(e.Metadata) > 0 {
			fmt.Printf("    %v\n", e.Metadata)
		}
	}
}

func (app *Application) handleVerifyChain(ctx context.Context) {
	ok, err := app.authService.VerifyAuditChain(ctx, app.currentToken)
	if ok {
		fmt.Println("✓ Audit chain intact")
		return
	}
	var integrity *apperrors.IntegrityError
	if errors.As(err, &integrity) {
		fmt.Printf("✗ %v\n", integrity)
		return
	}
	app.report("Chain verification", err)
}

func (app *Application) handleCreateUser(ctx context.Context, scanner *bufio.Scanner) {
	fmt.Println("=== Create User ===")
	identity := prompt(scanner, "Identity: ")
	role, ok := models.ParseRole(prompt(scanner, "Role (admin/instructor/student): "))
	if !ok {
		fmt.Println("Invalid role")
		return
	}
	password := promptSecret(scanner, "Initial password: ")

	user, err := app.adminService.CreateUser(ctx, app.currentToken, &models.CreateUserRequest{
		Identity: identity,
		Password: password,
		Role:     role,
	})
	if err != nil {
		var violation *apperrors.PolicyViolationError
		if errors.As(err, &violation) {
			fmt.Printf("Password rejected: %s\n", strings.Join(violation.Rules, ", "))
			return
		}
		app.report("Create user", err)
		return
	}
	fmt.Printf("✓ User %s created (ID: %s)\n", user.Identity, user.ID)
}

func (app *Application) handleListUsers(ctx context.Context) {
	users, err := app.adminService.ListUsers(ctx, app.currentToken, 100, 0)
	if err != nil {
		app.report("List users", err)
		return
	}
	fmt.Println("=== Users ===")
	for _, u := range users {
		status := "active"
		if !u.IsActive {
			status = "inactive"
		}
		fmt.Printf("%-20s %-10s %-8s %s\n", u.Identity, u.Role, status, u.ID)
	}
}

func (app *Application) handleFailedLogins(ctx context.Context) {
	rows, err := app.adminService.ListFailedLogins(ctx, app.currentToken)
	if err != nil {
		app.report("Failed login report", err)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No outstanding failed logins")
		return
	}
	for _, r := range rows {
		locked := ""
		if r.LockoutUntil != nil && time.Now().Before(*r.LockoutUntil) {
			locked = " (locked until " + r.LockoutUntil.Local().Format("15:04:05") + ")"
		}
		fmt.Printf("%-20s attempts=%d%s  %s\n", r.Identity, r.FailedAttempts, locked, r.UserID)
	}
}

func (app *Application) handleChangeRole(ctx context.Context, scanner *bufio.Scanner) {
	userID := prompt(scanner, "User ID: ")
	role, ok := models.ParseRole(prompt(scanner, "New role: "))
	if !ok {
		fmt.Println("Invalid role")
		return
	}
	if err := app.adminService.ChangeRole(ctx, app.currentToken, userID, role); err != nil {
		app.report("Role change", err)
		return
	}
	fmt.Println("✓ Role updated")
}

func (app *Application) withUserID(scanner *bufio.Scanner, fn func(id string) error) {
	userID := prompt(scanner, "User ID: ")
	if err := fn(userID); err != nil {
		app.report("Operation", err)
		return
	}
	fmt.Println("✓ Done")
}

func (app *Application) handleCreateBackup(ctx context.Context) {
	fmt.Println("Creating encrypted backup...")

	info, err := app.adminService.CreateBackup(ctx, app.currentToken)
	if err != nil {
		app.report("Backup", err)
		return
	}
	fmt.Printf("✓ Backup created: %s (%d bytes)\n", info.Path, info.Size)

	if err := app.backupMgr.VerifyBackup(info.Path); err != nil {
		fmt.Printf("Warning: backup verification failed: %v\n", err)
		return
	}
	fmt.Println("✓ Backup verified")
}
