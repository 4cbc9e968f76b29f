package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

// PreparedStatements holds the statements used by the repositories
type PreparedStatements struct {
	CreateOTP         *gocql.Query
	GetOTPByID        *gocql.Query
	RecordOTPDispatch *gocql.Query
	UpdateOTPAttempt  *gocql.Query
	SetActiveOTP      *gocql.Query
	GetActiveOTP      *gocql.Query
	ClearActiveOTP    *gocql.Query
	InvalidateOTP     *gocql.Query

	GetRateLimit  *gocql.Query
	SaveRateLimit *gocql.Query

	CreateUser          *gocql.Query
	CreateUserByPhone   *gocql.Query
	GetUserByID         *gocql.Query
	GetUserIDByPhone    *gocql.Query
	UpdateUserLastLogin *gocql.Query

	CreateSession       *gocql.Query
	CreateSessionByUser *gocql.Query
	GetSessionByID      *gocql.Query
	ListSessionsByUser  *gocql.Query
	DeactivateSession   *gocql.Query
	TouchSession        *gocql.Query
	UpdateSessionJTI    *gocql.Query

	AddBlacklisted *gocql.Query
	GetBlacklisted *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateOTP = s.Session.Query(`
        INSERT INTO otp_requests (
            id, bucket, phone_number, code_hash, purpose, channel,
            is_used, attempts, max_attempts, expires_at, created_at,
            provider_message_id, ip_address, user_agent, metadata
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetOTPByID = s.Session.Query(`
        SELECT id, bucket, phone_number, code_hash, purpose, channel,
            is_used, attempts, max_attempts, expires_at, created_at,
            provider_message_id, ip_address, user_agent, metadata
        FROM otp_requests WHERE id = ?`)

	prepared.RecordOTPDispatch = s.Session.Query(`
        UPDATE otp_requests SET provider_message_id = ?, metadata = ? WHERE id = ?`)

	prepared.UpdateOTPAttempt = s.Session.Query(`
        UPDATE otp_requests SET attempts = ? WHERE id = ?`)

	prepared.SetActiveOTP = s.Session.Query(`
        INSERT INTO otp_active (phone_number, purpose, otp_id, created_at)
        VALUES (?, ?, ?, ?)`)

	prepared.GetActiveOTP = s.Session.Query(`
        SELECT otp_id FROM otp_active WHERE phone_number = ? AND purpose = ?`)

	prepared.ClearActiveOTP = s.Session.Query(`
        DELETE FROM otp_active WHERE phone_number = ? AND purpose = ?`)

	prepared.InvalidateOTP = s.Session.Query(`
        UPDATE otp_requests SET is_used = true WHERE id = ?`)

	prepared.GetRateLimit = s.Session.Query(`
        SELECT phone_number, minute_count, minute_start, hour_count, hour_start,
            day_count, day_start, failed_attempts, blocked_until, updated_at
        FROM rate_limits WHERE phone_number = ?`)

	prepared.SaveRateLimit = s.Session.Query(`
        INSERT INTO rate_limits (
            phone_number, minute_count, minute_start, hour_count, hour_start,
            day_count, day_start, failed_attempts, blocked_until, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateUser = s.Session.Query(`
        INSERT INTO users (
            id, phone_number, user_type, is_active, created_at, updated_at, last_login_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateUserByPhone = s.Session.Query(`
        INSERT INTO users_by_phone (phone_number, user_id, created_at)
        VALUES (?, ?, ?)`)

	prepared.GetUserByID = s.Session.Query(`
        SELECT id, phone_number, user_type, is_active, created_at, updated_at, last_login_at
        FROM users WHERE id = ?`)

	prepared.GetUserIDByPhone = s.Session.Query(`
        SELECT user_id FROM users_by_phone WHERE phone_number = ?`)

	prepared.UpdateUserLastLogin = s.Session.Query(`
        UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?`)

	prepared.CreateSession = s.Session.Query(`
        INSERT INTO verifications (
            id, user_id, phone_number, device_id, device_name, ip_address,
            user_agent, refresh_jti, is_active, created_at, last_active_at, expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateSessionByUser = s.Session.Query(`
        INSERT INTO verifications_by_user (user_id, created_at, session_id)
        VALUES (?, ?, ?)`)

	prepared.GetSessionByID = s.Session.Query(`
        SELECT id, user_id, phone_number, device_id, device_name, ip_address,
            user_agent, refresh_jti, is_active, created_at, last_active_at, expires_at
        FROM verifications WHERE id = ?`)

	prepared.ListSessionsByUser = s.Session.Query(`
        SELECT session_id FROM verifications_by_user WHERE user_id = ?`)

	prepared.DeactivateSession = s.Session.Query(`
        UPDATE verifications SET is_active = false WHERE id = ?`)

	prepared.TouchSession = s.Session.Query(`
        UPDATE verifications SET last_active_at = ? WHERE id = ?`)

	prepared.UpdateSessionJTI = s.Session.Query(`
        UPDATE verifications SET refresh_jti = ? WHERE id = ?`)

	prepared.AddBlacklisted = s.Session.Query(`
        INSERT INTO blacklisted_tokens (
            jti, token_type, user_id, reason, blacklisted_at, expires_at
        ) VALUES (?, ?, ?, ?, ?, ?) USING TTL ?`)

	prepared.GetBlacklisted = s.Session.Query(`
        SELECT jti FROM blacklisted_tokens WHERE jti = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
