package tui

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/geark/internal/api"
)

const (
	treeTitle              = "Tasks"
	detailsTitle           = "Details"
	overlayPageName        = "overlay"
	defaultRefreshInterval = time.Second
)

// Source supplies task snapshots and accepts stop requests. *client.Client
// satisfies it.
type Source interface {
	List(context.Context) (*api.TaskList, error)
	Stop(context.Context, string) (*api.StopResult, error)
}

// Option configures UI behaviour.
type Option func(*UI)

// WithRefreshInterval sets how often the task list is polled.
func WithRefreshInterval(d time.Duration) Option {
	return func(u *UI) {
		if d > 0 {
			u.interval = d
		}
	}
}

// UI renders the supervision forest as a tview tree.
type UI struct {
	app     *tview.Application
	pages   *tview.Pages
	tree    *tview.TreeView
	details *tview.TextView
	src     Source

	interval time.Duration

	mu         sync.RWMutex
	tasks      map[string]api.TaskReport
	selected   string
	filter     string
	filterExpr *regexp.Regexp
	lastErr    error
	updatedAt  time.Time

	detailsFocused bool

	ctx       context.Context
	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	refreshCh chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New constructs a UI polling src.
func New(src Source, opts ...Option) *UI {
	app := tview.NewApplication()

	root := tview.NewTreeNode(treeTitle).SetSelectable(false)
	tree := tview.NewTreeView().SetRoot(root).SetTopLevel(1)
	tree.SetBorder(true).SetTitle(treeTitle)

	details := tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	details.SetBorder(true).SetTitle(detailsTitle)

	flex := tview.NewFlex().
		AddItem(tree, 0, 2, true).
		AddItem(details, 0, 3, false)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:       app,
		pages:     pages,
		tree:      tree,
		details:   details,
		src:       src,
		interval:  defaultRefreshInterval,
		tasks:     make(map[string]api.TaskReport),
		ctx:       context.Background(),
		refreshCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ui)
	}

	tree.SetChangedFunc(func(node *tview.TreeNode) {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(node)
		ui.renderDetailsLocked()
	})

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.rebuildLocked()
	ui.mu.Unlock()

	return ui
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and polls the source until Stop is
// invoked or ctx is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.ctx = ctx
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.poll(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()
	cancel()
	u.wg.Wait()
	u.Stop()
	return err
}

// Stop terminates the application loop.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) poll(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		u.fetch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-u.refreshCh:
		}
	}
}

func (u *UI) fetch(ctx context.Context) {
	list, err := u.src.List(ctx)
	if ctx.Err() != nil {
		return
	}
	u.mu.Lock()
	u.applyListLocked(list, err)
	u.mu.Unlock()
	u.queueRefresh()
}

func (u *UI) requestRefresh() {
	select {
	case u.refreshCh <- struct{}{}:
	default:
	}
}

func (u *UI) applyListLocked(list *api.TaskList, err error) {
	u.lastErr = err
	if err != nil || list == nil {
		return
	}
	tasks := make(map[string]api.TaskReport, len(list.Tasks))
	for _, report := range list.Tasks {
		tasks[report.Key] = report
	}
	u.tasks = tasks
	u.updatedAt = list.GeneratedAt
}

func (u *UI) queueRefresh() {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.rebuildLocked()
	})
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if name, _ := u.pages.GetFrontPage(); name == overlayPageName {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case 'r', 'R':
			u.requestRefresh()
			return nil
		case 's', 'S':
			u.stopSelected()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		}
	}
	return event
}

func (u *UI) toggleFocus() {
	if u.detailsFocused {
		u.app.SetFocus(u.tree)
	} else {
		u.app.SetFocus(u.details)
	}
	u.detailsFocused = !u.detailsFocused
}

func (u *UI) stopSelected() {
	u.mu.RLock()
	key := u.selected
	u.mu.RUnlock()
	if key == "" {
		return
	}

	u.cancelMu.Lock()
	ctx := u.ctx
	u.cancelMu.Unlock()

	go func() {
		if _, err := u.src.Stop(ctx, key); err != nil {
			u.app.QueueUpdateDraw(func() {
				u.showErrorModal(fmt.Sprintf("Stop %s: %v", key, err))
			})
		}
		u.requestRefresh()
	}()
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.applyFilter(input.GetText())
			u.pages.RemovePage(overlayPageName)
			u.app.SetFocus(u.tree)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(overlayPageName)
			u.app.SetFocus(u.tree)
		})

	form.SetBorder(true).SetTitle("Filter Tasks")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(overlayPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
			return
		}
	}

	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.rebuildLocked()
	u.mu.Unlock()
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(overlayPageName)
			u.app.SetFocus(u.tree)
		})

	u.pages.RemovePage(overlayPageName)
	u.pages.AddPage(overlayPageName, modal, true, true)
}

// rootsLocked returns the keys that head a tree: tasks without a parent or whose
// parent is no longer listed.
func (u *UI) rootsLocked() []string {
	var roots []string
	for key, report := range u.tasks {
		if _, ok := u.tasks[report.Parent]; report.Parent == "" || !ok {
			roots = append(roots, key)
		}
	}
	sort.Strings(roots)
	return roots
}

func (u *UI) rebuildLocked() {
	root := u.tree.GetRoot()
	root.ClearChildren()

	title := treeTitle
	if u.filter != "" {
		title = fmt.Sprintf("%s /%s/", treeTitle, u.filter)
	}
	u.tree.SetTitle(title)

	visited := make(map[string]struct{}, len(u.tasks))
	var selectedNode, firstNode *tview.TreeNode
	var add func(parent *tview.TreeNode, key string)
	add = func(parent *tview.TreeNode, key string) {
		if _, seen := visited[key]; seen {
			return
		}
		visited[key] = struct{}{}
		report, ok := u.tasks[key]
		if !ok || !u.visibleLocked(key, make(map[string]struct{})) {
			return
		}
		node := tview.NewTreeNode(nodeLabel(report)).SetReference(key).SetSelectable(true)
		if report.LastError != "" {
			node.SetColor(tcell.ColorYellow)
		}
		parent.AddChild(node)
		if firstNode == nil {
			firstNode = node
		}
		if key == u.selected {
			selectedNode = node
		}
		for _, child := range report.Children {
			add(node, child)
		}
	}
	for _, key := range u.rootsLocked() {
		add(root, key)
	}

	switch {
	case selectedNode != nil:
		u.tree.SetCurrentNode(selectedNode)
	case firstNode != nil:
		u.selected, _ = firstNode.GetReference().(string)
		u.tree.SetCurrentNode(firstNode)
	default:
		u.selected = ""
	}
	u.renderDetailsLocked()
}

// visibleLocked reports whether key or one of its descendants matches the
// filter.
func (u *UI) visibleLocked(key string, seen map[string]struct{}) bool {
	if u.filterExpr == nil || u.filterExpr.MatchString(key) {
		return true
	}
	if _, ok := seen[key]; ok {
		return false
	}
	seen[key] = struct{}{}
	for _, child := range u.tasks[key].Children {
		if u.visibleLocked(child, seen) {
			return true
		}
	}
	return false
}

func (u *UI) syncSelection(node *tview.TreeNode) {
	if node == nil {
		return
	}
	if key, ok := node.GetReference().(string); ok {
		u.selected = key
	}
}

func (u *UI) renderDetailsLocked() {
	u.details.Clear()
	if u.lastErr != nil {
		fmt.Fprintf(u.details, "[red]refresh failed:[-] %s\n\n", tview.Escape(u.lastErr.Error()))
	}
	report, ok := u.tasks[u.selected]
	if !ok {
		u.details.SetTitle(detailsTitle)
		fmt.Fprintln(u.details, "No task selected. Keys: q quit, s stop, r refresh, / filter.")
		return
	}
	u.details.SetTitle(fmt.Sprintf("%s (%s)", detailsTitle, report.Key))
	fmt.Fprint(u.details, tview.Escape(formatDetails(report, time.Now())))
}

func nodeLabel(report api.TaskReport) string {
	label := report.Key
	if report.AutoRestart {
		label += " ↻"
	}
	if report.RestartCount > 0 {
		label += fmt.Sprintf(" (%d)", report.RestartCount)
	}
	return label
}

func formatDetails(report api.TaskReport, now time.Time) string {
	var b strings.Builder
	parent := report.Parent
	if parent == "" {
		parent = "-"
	}
	age := "-"
	if !report.StartedAt.IsZero() {
		age = units.HumanDuration(now.Sub(report.StartedAt))
	}
	children := "-"
	if len(report.Children) > 0 {
		children = strings.Join(report.Children, ", ")
	}
	fmt.Fprintf(&b, "Key:           %s\n", report.Key)
	fmt.Fprintf(&b, "Parent:        %s\n", parent)
	fmt.Fprintf(&b, "Children:      %s\n", children)
	fmt.Fprintf(&b, "Auto restart:  %t\n", report.AutoRestart)
	fmt.Fprintf(&b, "Restarts:      %d\n", report.RestartCount)
	fmt.Fprintf(&b, "Runs:          %d\n", report.Runs)
	fmt.Fprintf(&b, "Failures:      %d\n", report.Failures)
	fmt.Fprintf(&b, "Age:           %s\n", age)
	if report.RunID != "" {
		fmt.Fprintf(&b, "Run:           %s\n", report.RunID)
	}
	if report.LastError != "" {
		fmt.Fprintf(&b, "Last error:    %s\n", report.LastError)
	}
	return b.String()
}
