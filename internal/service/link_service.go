package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Monthlyaway/ttl-link/internal/errx"
	"github.com/Monthlyaway/ttl-link/internal/model"
	"github.com/Monthlyaway/ttl-link/internal/scheduler"
)

const (
	DefaultLifetime         = 24 * time.Hour
	DefaultNamespace        = "url"
	DefaultCacheTTL         = 60 * time.Second
	DefaultMaxInsertRetries = 5
)

// Store is the lifecycle store the service drives
type Store interface {
	Find(ctx context.Context, alias string) (*model.CurrentLink, error)
	Insert(ctx context.Context, link *model.CurrentLink) error
	UpdateTarget(ctx context.Context, alias, targetURL string) error
	SwapTaskHandle(ctx context.Context, alias, oldHandle, newHandle string) (bool, error)
	RecordClick(ctx context.Context, alias string, at time.Time) error
	Retire(ctx context.Context, alias string, reason model.RetireReason) (*model.ArchivedLink, error)
	FindByTarget(ctx context.Context, targetURL string) ([]model.CurrentLink, error)
	FindByProject(ctx context.Context, owner, project string) ([]model.CurrentLink, error)
	FindArchivedByOwner(ctx context.Context, owner string) ([]model.ArchivedLink, error)
	FindAll(ctx context.Context) ([]model.CurrentLink, error)
}

// Allocator picks aliases for new links
type Allocator interface {
	Allocate(ctx context.Context, targetURL, requested string) (string, error)
	Remember(alias string)
}

// ResponseCache is the cache-aside store for read responses
type ResponseCache interface {
	GetJSON(ctx context.Context, namespace, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, namespace, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, namespace string) error
}

// Options tunes a LinkService. Zero values fall back to the defaults above.
type Options struct {
	DefaultLifetime  time.Duration
	Namespace        string
	CacheTTL         time.Duration
	MaxInsertRetries int
	Logger           *slog.Logger
	Now              func() time.Time
}

// LinkService owns the lifecycle of a link: creation, access, update,
// deletion and retirement at expiry.
type LinkService struct {
	store     Store
	allocator Allocator
	cache     ResponseCache // nil disables response caching
	scheduler scheduler.Scheduler

	lifetime   time.Duration
	namespace  string
	cacheTTL   time.Duration
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// NewLinkService wires the lifecycle collaborators together
func NewLinkService(store Store, allocator Allocator, cache ResponseCache, sched scheduler.Scheduler, opts Options) *LinkService {
	if opts.DefaultLifetime <= 0 {
		opts.DefaultLifetime = DefaultLifetime
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.MaxInsertRetries <= 0 {
		opts.MaxInsertRetries = DefaultMaxInsertRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &LinkService{
		store:      store,
		allocator:  allocator,
		cache:      cache,
		scheduler:  sched,
		lifetime:   opts.DefaultLifetime,
		namespace:  opts.Namespace,
		cacheTTL:   opts.CacheTTL,
		maxRetries: opts.MaxInsertRetries,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// CreateRequest describes a new link. Owner is empty for anonymous callers.
type CreateRequest struct {
	URL      string
	Alias    string
	Lifetime *int // seconds; nil uses the configured default
	Owner    string
	Project  string
}

// Create allocates an alias, arms its retirement and stores the link.
// A requested alias that loses a concurrent race fails with ErrAliasConflict.
func (s *LinkService) Create(ctx context.Context, req CreateRequest) (*model.CurrentLink, error) {
	const op = "service.Create"

	targetURL, err := NormalizeURL(req.URL)
	if err != nil {
		return nil, errx.E(op, errx.Invalid, err)
	}

	lifetime := s.lifetime
	if req.Lifetime != nil {
		if *req.Lifetime <= 0 {
			return nil, errx.E(op, errx.Invalid, errors.New("lifetime must be a positive number of seconds"))
		}
		lifetime = time.Duration(*req.Lifetime) * time.Second
	}

	var project *string
	if req.Project != "" {
		project = &req.Project
	}

	for attempt := 1; ; attempt++ {
		aliasName, err := s.allocator.Allocate(ctx, targetURL, req.Alias)
		if err != nil {
			return nil, errx.Wrap(op, err)
		}

		now := s.now()
		link := &model.CurrentLink{
			Alias:       aliasName,
			TargetURL:   targetURL,
			OwnerID:     model.OwnerRef(req.Owner),
			ProjectName: project,
			CreatedAt:   now,
			ExpireAt:    now.Add(lifetime),
		}

		err = s.insertScheduled(ctx, link)
		if err == nil {
			s.allocator.Remember(aliasName)
			s.invalidate(ctx)
			s.logger.Info("link created", "alias", aliasName, "expire_at", link.ExpireAt)
			return link, nil
		}
		if !errors.Is(err, errx.ErrDuplicateAlias) {
			return nil, errx.Wrap(op, err)
		}

		// someone else inserted the alias between the allocator check and ours
		s.allocator.Remember(aliasName)
		if req.Alias != "" {
			return nil, errx.E(op, errx.Conflict, fmt.Errorf("%w: %q", errx.ErrAliasConflict, req.Alias))
		}
		if attempt >= s.maxRetries {
			return nil, errx.E(op, errx.Unavailable,
				fmt.Errorf("%w: lost %d insert races", errx.ErrAllocationExhausted, attempt))
		}
	}
}

// insertScheduled arms the retirement task and inserts the link carrying its
// handle. The task is cancelled again when the insert fails.
func (s *LinkService) insertScheduled(ctx context.Context, link *model.CurrentLink) error {
	handle, err := s.scheduler.Schedule(ctx, link.Alias, link.ExpireAt)
	if err != nil {
		return errx.E("service.insertScheduled", errx.Unavailable, err)
	}
	link.TaskHandle = handle

	if err := s.store.Insert(ctx, link); err != nil {
		s.cancelTask(context.WithoutCancel(ctx), handle, link.Alias)
		return err
	}
	return nil
}

// Resolve returns the target for alias, counts the click and refreshes the
// retirement task at the unchanged expiry.
func (s *LinkService) Resolve(ctx context.Context, alias string) (*model.CurrentLink, error) {
	const op = "service.Resolve"

	link, err := s.findLive(ctx, alias)
	if err != nil {
		return nil, errx.Wrap(op, err)
	}

	clickedAt := s.now()
	if err := s.store.RecordClick(ctx, alias, clickedAt); err != nil {
		return nil, errx.Wrap(op, err)
	}
	link.ClickCount++
	link.LastClickedAt = &clickedAt

	s.refresh(ctx, link)
	return link, nil
}

// UpdateTarget points alias at a new url. Only the owner may do this.
func (s *LinkService) UpdateTarget(ctx context.Context, alias, newURL, owner string) (*model.CurrentLink, error) {
	const op = "service.UpdateTarget"

	if owner == "" {
		return nil, errx.E(op, errx.Unauthorized, errx.ErrUnauthorized)
	}
	link, err := s.findLive(ctx, alias)
	if err != nil {
		return nil, errx.Wrap(op, err)
	}
	if !link.OwnedBy(owner) {
		return nil, errx.E(op, errx.Forbidden, errx.ErrForbidden)
	}

	targetURL, err := NormalizeURL(newURL)
	if err != nil {
		return nil, errx.E(op, errx.Invalid, err)
	}
	if err := s.store.UpdateTarget(ctx, alias, targetURL); err != nil {
		return nil, errx.Wrap(op, err)
	}
	link.TargetURL = targetURL

	s.refresh(ctx, link)
	s.invalidate(ctx)
	s.logger.Info("link updated", "alias", alias)
	return link, nil
}

// Delete archives alias with reason=deleted. Anonymous links may be deleted
// by anonymous callers. A link already past its expiry is retired as expired
// and reported missing.
func (s *LinkService) Delete(ctx context.Context, alias, owner string) error {
	const op = "service.Delete"

	link, err := s.findLive(ctx, alias)
	if err != nil {
		return errx.Wrap(op, err)
	}
	if !link.OwnedBy(owner) {
		return errx.E(op, errx.Forbidden, errx.ErrForbidden)
	}

	if _, err := s.store.Retire(ctx, alias, model.ReasonDeleted); err != nil {
		return errx.Wrap(op, err)
	}
	s.cancelTask(ctx, link.TaskHandle, alias)
	s.invalidate(ctx)
	s.logger.Info("link deleted", "alias", alias)
	return nil
}

// Stats returns the statistics of one of the owner's links
func (s *LinkService) Stats(ctx context.Context, alias, owner string) (*model.LinkStats, error) {
	const op = "service.Stats"

	if owner == "" {
		return nil, errx.E(op, errx.Unauthorized, errx.ErrUnauthorized)
	}

	var stats model.LinkStats
	key := "stats:" + owner + ":" + alias
	if s.cacheGet(ctx, key, &stats) {
		return &stats, nil
	}

	link, err := s.findLive(ctx, alias)
	if err != nil {
		return nil, errx.Wrap(op, err)
	}
	if !link.OwnedBy(owner) {
		return nil, errx.E(op, errx.Forbidden, errx.ErrForbidden)
	}

	s.refresh(ctx, link)
	stats = link.Stats()
	s.cacheSet(ctx, key, stats)
	return &stats, nil
}

// ProjectLinks lists the owner's current links in project
func (s *LinkService) ProjectLinks(ctx context.Context, owner, project string) ([]model.CurrentLink, error) {
	const op = "service.ProjectLinks"

	if owner == "" {
		return nil, errx.E(op, errx.Unauthorized, errx.ErrUnauthorized)
	}

	var links []model.CurrentLink
	key := "project:" + owner + ":" + project
	if s.cacheGet(ctx, key, &links) {
		return links, nil
	}

	links, err := s.store.FindByProject(ctx, owner, project)
	if err != nil {
		return nil, errx.Wrap(op, err)
	}
	if len(links) == 0 {
		return nil, errx.E(op, errx.NotFound, fmt.Errorf("%w: project %q", errx.ErrNotFound, project))
	}
	for i := range links {
		s.refresh(ctx, &links[i])
	}

	s.cacheSet(ctx, key, links)
	return links, nil
}

// ExpiredLinks lists the owner's archived links, most recent first
func (s *LinkService) ExpiredLinks(ctx context.Context, owner string) ([]model.ArchivedLink, error) {
	const op = "service.ExpiredLinks"

	if owner == "" {
		return nil, errx.E(op, errx.Unauthorized, errx.ErrUnauthorized)
	}

	var links []model.ArchivedLink
	key := "expired:" + owner
	if s.cacheGet(ctx, key, &links) {
		return links, nil
	}

	links, err := s.store.FindArchivedByOwner(ctx, owner)
	if err != nil {
		return nil, errx.Wrap(op, err)
	}
	if links == nil {
		links = []model.ArchivedLink{}
	}

	s.cacheSet(ctx, key, links)
	return links, nil
}

// Search lists the current links pointing at targetURL
func (s *LinkService) Search(ctx context.Context, targetURL string) ([]model.CurrentLink, error) {
	const op = "service.Search"

	normalized, err := NormalizeURL(targetURL)
	if err != nil {
		return nil, errx.E(op, errx.Invalid, err)
	}

	var links []model.CurrentLink
	key := "search:" + normalized
	if s.cacheGet(ctx, key, &links) {
		return links, nil
	}

	links, err = s.store.FindByTarget(ctx, normalized)
	if err != nil {
		return nil, errx.Wrap(op, err)
	}
	if links == nil {
		links = []model.CurrentLink{}
	}

	s.cacheSet(ctx, key, links)
	return links, nil
}

// RetireExpired is the scheduler handler. It archives alias with
// reason=expired if the current link has actually reached its expiry; a
// missing alias means it was already retired and is not an error. A link that
// is not expired yet gets a fresh task, since the one that fired is spent.
// Errors are returned so the scheduler retries the task.
func (s *LinkService) RetireExpired(ctx context.Context, alias string) error {
	const op = "service.RetireExpired"

	link, err := s.store.Find(ctx, alias)
	if errors.Is(err, errx.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errx.Wrap(op, err)
	}
	// stored expiry precision, or an alias reallocated since the task was armed
	if !link.IsExpired(s.now()) {
		s.logger.Debug("re-arming retirement of unexpired link", "alias", alias, "expire_at", link.ExpireAt)
		s.refresh(ctx, link)
		return nil
	}

	if err := s.retire(ctx, alias); err != nil {
		return errx.Wrap(op, err)
	}
	return nil
}

// Recover retires links that expired while nothing was watching them and
// re-arms the retirement of the rest.
func (s *LinkService) Recover(ctx context.Context) error {
	const op = "service.Recover"

	links, err := s.store.FindAll(ctx)
	if err != nil {
		return errx.Wrap(op, err)
	}

	now := s.now()
	retired, rearmed := 0, 0
	for i := range links {
		link := &links[i]
		if link.IsExpired(now) {
			if err := s.retire(ctx, link.Alias); err != nil {
				return errx.Wrap(op, err)
			}
			s.cancelTask(ctx, link.TaskHandle, link.Alias)
			retired++
			continue
		}
		s.refresh(ctx, link)
		rearmed++
	}

	s.logger.Info("recovered link retirements", "retired", retired, "rearmed", rearmed)
	return nil
}

// findLive loads alias and retires it on the spot when it is past expiry
func (s *LinkService) findLive(ctx context.Context, alias string) (*model.CurrentLink, error) {
	link, err := s.store.Find(ctx, alias)
	if err != nil {
		return nil, err
	}
	if !link.IsExpired(s.now()) {
		return link, nil
	}

	if err := s.retire(ctx, alias); err != nil {
		return nil, err
	}
	s.cancelTask(ctx, link.TaskHandle, alias)
	return nil, errx.E("service.findLive", errx.NotFound, errx.ErrNotFound)
}

// retire archives alias as expired; losing the race to another retirement
// counts as success.
func (s *LinkService) retire(ctx context.Context, alias string) error {
	if _, err := s.store.Retire(ctx, alias, model.ReasonExpired); err != nil {
		if errors.Is(err, errx.ErrNotFound) {
			return nil
		}
		return err
	}
	s.invalidate(ctx)
	s.logger.Info("link expired", "alias", alias)
	return nil
}

// refresh replaces the link's retirement task with a fresh one at the same
// expiry. The new handle is persisted before the old task is cancelled, so a
// failure at any step leaves at least one task armed.
func (s *LinkService) refresh(ctx context.Context, link *model.CurrentLink) {
	oldHandle := link.TaskHandle

	newHandle, err := s.scheduler.Schedule(ctx, link.Alias, link.ExpireAt)
	if err != nil {
		s.logger.Warn("failed to reschedule retirement", "alias", link.Alias, "error", err)
		return
	}

	swapped, err := s.store.SwapTaskHandle(ctx, link.Alias, oldHandle, newHandle)
	if err != nil || !swapped {
		// a concurrent refresh or retirement owns the alias now
		s.cancelTask(ctx, newHandle, link.Alias)
		if err != nil && !errors.Is(err, errx.ErrNotFound) {
			s.logger.Warn("failed to persist retirement task", "alias", link.Alias, "error", err)
		}
		return
	}

	link.TaskHandle = newHandle
	s.cancelTask(ctx, oldHandle, link.Alias)
}

func (s *LinkService) cancelTask(ctx context.Context, handle, alias string) {
	if err := s.scheduler.Cancel(ctx, handle); err != nil {
		s.logger.Warn("failed to cancel retirement task", "alias", alias, "handle", handle, "error", err)
	}
}

func (s *LinkService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, s.namespace); err != nil {
		s.logger.Warn("failed to invalidate response cache", "namespace", s.namespace, "error", err)
	}
}

func (s *LinkService) cacheGet(ctx context.Context, key string, dst any) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.GetJSON(ctx, s.namespace, key, dst)
	if err != nil {
		s.logger.Warn("response cache read failed", "key", key, "error", err)
		return false
	}
	return hit
}

func (s *LinkService) cacheSet(ctx context.Context, key string, value any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, s.namespace, key, value, s.cacheTTL); err != nil {
		s.logger.Warn("response cache write failed", "key", key, "error", err)
	}
}
