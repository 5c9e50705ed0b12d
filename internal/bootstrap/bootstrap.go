// Package bootstrap runs the idempotent startup sequence: seed the
// reserved system tenant/namespace, ensure the management topics exist,
// create the initial admin user and grants, replay projections, and start
// dispatchers for every topic with a persisted consumer. It runs once from
// cmd/ before serving traffic.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/infrastructure/logging"
	"github.com/fluxledger/eventhub/internal/auth"
	"github.com/fluxledger/eventhub/internal/consumer"
	"github.com/fluxledger/eventhub/internal/dispatcher"
	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/projection"
	"github.com/fluxledger/eventhub/internal/publish"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

// AdminConfig carries the bootstrap admin identity from configuration
// (AuthConfig.AdminEmail/AdminPassword/BcryptCost).
type AdminConfig struct {
	Email      string
	Password   string
	BcryptCost int
}

// Bootstrap owns every component the startup sequence touches.
type Bootstrap struct {
	store       *eventstore.Store
	topics      *topicregistry.Registry
	consumers   *consumer.Registry
	pipeline    *publish.Pipeline
	projections *projection.Store
	dispatchers *dispatcher.Manager
	logger      *logging.Logger
}

// New builds a Bootstrap from the already-constructed components cmd/
// wires together.
func New(store *eventstore.Store, topics *topicregistry.Registry, consumers *consumer.Registry, pipeline *publish.Pipeline, projections *projection.Store, dispatchers *dispatcher.Manager, logger *logging.Logger) *Bootstrap {
	return &Bootstrap{
		store:       store,
		topics:      topics,
		consumers:   consumers,
		pipeline:    pipeline,
		projections: projections,
		dispatchers: dispatchers,
		logger:      logger,
	}
}

// Run executes the startup sequence in order. Idempotent: calling it again
// against already-bootstrapped state is a no-op for the seeding steps and
// simply redoes the (cheap) replay and dispatcher-start steps.
func (b *Bootstrap) Run(ctx context.Context, admin AdminConfig) error {
	tenantID, err := b.ensureSystemTenant(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: system tenant: %w", err)
	}

	if err := b.ensureManagementNamespace(ctx); err != nil {
		return fmt.Errorf("bootstrap: management namespace: %w", err)
	}

	if err := b.ensureManagementTopics(ctx, tenantID); err != nil {
		return fmt.Errorf("bootstrap: management topics: %w", err)
	}

	if err := b.projections.Rebuild(ctx, b.store, b.topics); err != nil {
		return fmt.Errorf("bootstrap: replay projections: %w", err)
	}

	if err := b.ensureAdminUser(ctx, admin, tenantID); err != nil {
		return fmt.Errorf("bootstrap: admin user: %w", err)
	}

	if err := b.projections.Rebuild(ctx, b.store, b.topics); err != nil {
		return fmt.Errorf("bootstrap: replay projections after admin seed: %w", err)
	}

	if err := b.startDispatchersWithConsumers(ctx); err != nil {
		return fmt.Errorf("bootstrap: start dispatchers: %w", err)
	}

	if b.logger != nil {
		b.logger.Info(ctx, "bootstrap complete", nil)
	}
	return nil
}

// ensureSystemTenant publishes tenant.created for $system if no such event
// has been persisted yet (step 1).
func (b *Bootstrap) ensureSystemTenant(ctx context.Context) (string, error) {
	if t, ok := b.projections.TenantByName(projection.SystemTenant); ok {
		return t.ResourceID, nil
	}

	if err := b.ensureManagementTopicsExistOnly(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]any{
		"resourceId": projection.SystemTenant,
		"name":       projection.SystemTenant,
		"metadata":   map[string]any{"reserved": true},
	})
	if err != nil {
		return "", err
	}
	outcomes, err := b.pipeline.PublishSystem(ctx, projection.SystemTenant, projection.ManagementNamespace, []publish.Request{
		{Topic: projection.TopicTenants, Type: "tenant.created", Payload: body},
	})
	if err != nil {
		return "", err
	}
	if outcomes[0].Err != nil {
		return "", outcomes[0].Err
	}
	return projection.SystemTenant, nil
}

// ensureManagementNamespace publishes namespace.created for
// ($system, $management) if it does not already exist (step 2).
func (b *Bootstrap) ensureManagementNamespace(ctx context.Context) error {
	if _, ok := b.projections.NamespaceByName(projection.SystemTenant, projection.ManagementNamespace); ok {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"resourceId":       projection.ManagementNamespace,
		"tenantResourceId": projection.SystemTenant,
		"name":             projection.ManagementNamespace,
	})
	if err != nil {
		return err
	}
	outcomes, err := b.pipeline.PublishSystem(ctx, projection.SystemTenant, projection.ManagementNamespace, []publish.Request{
		{Topic: projection.TopicNamespaces, Type: "namespace.created", Payload: body},
	})
	if err != nil {
		return err
	}
	return outcomes[0].Err
}

// ensureManagementTopicsExistOnly creates the five management topics in the
// registry without touching projections, needed before the very first
// tenant.created publish (which requires the tenants topic to already be
// registered).
func (b *Bootstrap) ensureManagementTopicsExistOnly(ctx context.Context) error {
	for _, name := range projection.ManagementTopics {
		if b.topics.Exists(ctx, projection.SystemTenant, projection.ManagementNamespace, name) {
			continue
		}
		if _, err := b.topics.Create(ctx, projection.SystemTenant, projection.ManagementNamespace, name, projection.SystemTenant, projection.ManagementNamespace, nil); err != nil {
			if errors.Code(err) == errors.ErrCodeTopicAlreadyExists {
				continue
			}
			return err
		}
	}
	return nil
}

// ensureManagementTopics is step 3: ensure all five exist, tolerating a
// concurrent bootstrap race via TOPIC_ALREADY_EXISTS.
func (b *Bootstrap) ensureManagementTopics(ctx context.Context, tenantID string) error {
	return b.ensureManagementTopicsExistOnly(ctx)
}

// ensureAdminUser is step 4: create the bootstrap admin if no active admin
// exists, then grant it ADMIN on the $system tenant.
func (b *Bootstrap) ensureAdminUser(ctx context.Context, admin AdminConfig, tenantID string) error {
	if _, ok := b.projections.UserByEmail(admin.Email); ok {
		return nil
	}
	if admin.Email == "" || admin.Password == "" {
		if b.logger != nil {
			b.logger.Info(ctx, "bootstrap: no admin credentials configured, skipping admin seed", nil)
		}
		return nil
	}

	hash, err := auth.HashPassword(admin.Password, admin.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	userID := "admin"
	userBody, err := json.Marshal(map[string]any{
		"id":              userID,
		"email":           admin.Email,
		"passwordHash":    hash,
		"status":          string(projection.UserActive),
		"primaryTenantId": tenantID,
	})
	if err != nil {
		return err
	}
	outcomes, err := b.pipeline.PublishSystem(ctx, projection.SystemTenant, projection.ManagementNamespace, []publish.Request{
		{Topic: projection.TopicUsers, Type: "user.created", Payload: userBody},
	})
	if err != nil {
		return err
	}
	if outcomes[0].Err != nil {
		return outcomes[0].Err
	}

	// Two grants: tenant-scope ADMIN (inherits to namespaces, topics, events,
	// consumers) and an all-users ADMIN, since USER-typed resources sit
	// outside the tenant-scope inheritance chain.
	for _, resourceType := range []string{"TENANT", "USER"} {
		grantBody, err := json.Marshal(map[string]any{
			"principalId":      userID,
			"principalType":    "USER",
			"resourceType":     resourceType,
			"tenantResourceId": tenantID,
			"permissions":      []string{"ADMIN"},
		})
		if err != nil {
			return err
		}
		outcomes, err = b.pipeline.PublishSystem(ctx, projection.SystemTenant, projection.ManagementNamespace, []publish.Request{
			{Topic: projection.TopicPermissions, Type: "permission.granted", Payload: grantBody},
		})
		if err != nil {
			return err
		}
		if outcomes[0].Err != nil {
			return outcomes[0].Err
		}
	}
	return nil
}

// startDispatchersWithConsumers is step 6: start a dispatcher for every
// topic that has at least one persisted consumer, across every tenant and
// namespace.
func (b *Bootstrap) startDispatchersWithConsumers(ctx context.Context) error {
	all, err := b.consumers.ListAll(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, c := range all {
		for topicName := range c.Topics {
			k := c.Tenant + "/" + c.Namespace + "/" + topicName
			if seen[k] {
				continue
			}
			seen[k] = true
			b.dispatchers.EnsureStarted(c.Tenant, c.Namespace, topicName)
		}
	}
	return nil
}
