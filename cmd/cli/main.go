package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/gateway/sandbox"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/order/domain"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/sagaclient"
)

type scenario struct {
	Name        string
	Description string
}

var scenarios = []scenario{
	{"success", "checkout, pay, wait for CONFIRMED"},
	{"reject", "PG rejects the confirm, order ends FAILED"},
	{"cancel", "customer cancels before paying"},
	{"refund", "pay, then refund the whole payment"},
	{"refund-fail", "PG refuses the refund, payment stays PAID"},
}

type model struct {
	products     []string
	scenarios    []scenario
	selectedProd int
	selectedScn  int
	status       string
	detail       string
	busy         bool
	run          func(product, scn string) scenarioResult
}

func initialModel(products []string, run func(product, scn string) scenarioResult) model {
	return model{products: products, scenarios: scenarios, status: "Ready", run: run}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up":
			if m.selectedProd > 0 {
				m.selectedProd--
			}
		case "down":
			if m.selectedProd < len(m.products)-1 {
				m.selectedProd++
			}
		case "left":
			if m.selectedScn > 0 {
				m.selectedScn--
			}
		case "right":
			if m.selectedScn < len(m.scenarios)-1 {
				m.selectedScn++
			}
		case "enter":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Running..."
			m.detail = ""
			product, scn := m.products[m.selectedProd], m.scenarios[m.selectedScn].Name
			run := m.run
			return m, func() tea.Msg { return run(product, scn) }
		}
	case scenarioResult:
		m.busy = false
		m.status = msg.status
		m.detail = msg.detail
	}
	return m, nil
}

func (m model) View() string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "checkout saga CLI")
	fmt.Fprintln(b, "")
	fmt.Fprintln(b, "Products:")
	for i, p := range m.products {
		marker := " "
		if i == m.selectedProd {
			marker = ">"
		}
		fmt.Fprintf(b, " %s %s\n", marker, p)
	}
	fmt.Fprintln(b, "")
	fmt.Fprintln(b, "Scenarios (use left/right):")
	for i, scn := range m.scenarios {
		marker := " "
		if i == m.selectedScn {
			marker = "*"
		}
		fmt.Fprintf(b, " %s %s - %s\n", marker, scn.Name, scn.Description)
	}
	fmt.Fprintln(b, "")
	fmt.Fprintf(b, "Status: %s\n", m.status)
	if m.detail != "" {
		fmt.Fprintf(b, "%s\n", m.detail)
	}
	fmt.Fprintln(b, "\nControls: up/down select product, left/right select scenario, enter to run, q to quit")
	return b.String()
}

type scenarioResult struct {
	status string
	detail string
}

type runner struct {
	client     *sagaclient.Client
	sandboxURL string
	poll       time.Duration
	timeout    time.Duration
}

func (r *runner) run(product, scn string) scenarioResult {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	var steps []string
	step := func(format string, args ...any) { steps = append(steps, fmt.Sprintf(format, args...)) }
	switch scn {
	case "success":
		_, err = r.confirmed(ctx, product, step)
	case "reject":
		err = r.withFailpoints(sandbox.Failpoints{Confirm: sandbox.ModeReject}, func() error { return r.reject(ctx, product, step) })
	case "cancel":
		err = r.cancel(ctx, product, step)
	case "refund":
		err = r.refund(ctx, product, step)
	case "refund-fail":
		err = r.refundFail(ctx, product, step)
	default:
		err = fmt.Errorf("unknown scenario %q", scn)
	}
	detail := strings.Join(steps, "\n")
	if err != nil {
		return scenarioResult{status: fmt.Sprintf("%s failed: %v", scn, err), detail: detail}
	}
	return scenarioResult{status: scn + " OK", detail: detail}
}

// checkoutReady creates an order for one unit and waits for its payment row.
func (r *runner) checkoutReady(ctx context.Context, product string, step func(string, ...any)) (domain.Order, error) {
	o, err := r.client.Checkout(ctx, sagaclient.CheckoutRequest{
		BuyerID: "cli", Recipient: "cli", Items: []order.CartLine{{ProductID: product, Quantity: 1}},
	}, "")
	if err != nil {
		return o, err
	}
	step("order %s created, total %d", o.OrderNumber, o.TotalAmount)
	p, err := r.client.WaitPayment(ctx, o.ID, r.poll)
	if err != nil {
		return o, err
	}
	step("payment %s", p.Status)
	return o, nil
}

// confirmed checks out, pays and waits for the saga to confirm the order.
func (r *runner) confirmed(ctx context.Context, product string, step func(string, ...any)) (domain.Order, error) {
	o, err := r.checkoutReady(ctx, product, step)
	if err != nil {
		return o, err
	}
	if _, err := r.client.Confirm(ctx, "cli_"+o.ID, o.ID, o.TotalAmount); err != nil {
		return o, err
	}
	final, err := r.client.WaitOrder(ctx, o.ID, r.poll, domain.OrderStatusConfirmed, domain.OrderStatusCancelled, domain.OrderStatusManualCheck)
	if err != nil {
		return o, err
	}
	step("order %s", final.Status)
	if final.Status != domain.OrderStatusConfirmed {
		return final, fmt.Errorf("expected CONFIRMED, got %s (%s)", final.Status, final.StatusReason)
	}
	return final, nil
}

func (r *runner) reject(ctx context.Context, product string, step func(string, ...any)) error {
	o, err := r.checkoutReady(ctx, product, step)
	if err != nil {
		return err
	}
	_, err = r.client.Confirm(ctx, "cli_"+o.ID, o.ID, o.TotalAmount)
	step("confirm answered %d", sagaclient.StatusOf(err))
	final, err := r.client.WaitOrder(ctx, o.ID, r.poll, domain.OrderStatusFailed)
	if err != nil {
		return err
	}
	step("order %s: %s", final.Status, final.StatusReason)
	return nil
}

func (r *runner) cancel(ctx context.Context, product string, step func(string, ...any)) error {
	o, err := r.checkoutReady(ctx, product, step)
	if err != nil {
		return err
	}
	if _, err := r.client.CancelOrder(ctx, o.ID, "changed my mind"); err != nil {
		return err
	}
	final, err := r.client.WaitOrder(ctx, o.ID, r.poll, domain.OrderStatusCancelled)
	if err != nil {
		return err
	}
	p, err := r.client.Payment(ctx, o.ID)
	if err != nil {
		return err
	}
	step("order %s, payment %s", final.Status, p.Status)
	return nil
}

func (r *runner) refund(ctx context.Context, product string, step func(string, ...any)) error {
	o, err := r.confirmed(ctx, product, step)
	if err != nil {
		return err
	}
	p, err := r.client.CancelPayment(ctx, o.ID, "cli refund", nil)
	if err != nil {
		return err
	}
	step("payment %s, refunded %d", p.Status, p.CanceledAmount())
	final, err := r.client.WaitOrder(ctx, o.ID, r.poll, domain.OrderStatusCancelled)
	if err != nil {
		return err
	}
	step("order %s", final.Status)
	return nil
}

func (r *runner) refundFail(ctx context.Context, product string, step func(string, ...any)) error {
	o, err := r.confirmed(ctx, product, step)
	if err != nil {
		return err
	}
	return r.withFailpoints(sandbox.Failpoints{Cancel: sandbox.ModeError}, func() error {
		_, err := r.client.CancelPayment(ctx, o.ID, "cli refund", nil)
		step("refund answered %d", sagaclient.StatusOf(err))
		p, perr := r.client.Payment(ctx, o.ID)
		if perr != nil {
			return perr
		}
		step("payment %s, fail code %s", p.Status, p.FailCode)
		return nil
	})
}

func (r *runner) withFailpoints(fp sandbox.Failpoints, fn func() error) error {
	if r.sandboxURL == "" {
		return fmt.Errorf("PG_SANDBOX_URL is not set")
	}
	if err := r.setFailpoints(fp); err != nil {
		return err
	}
	defer func() { _ = r.setFailpoints(sandbox.Failpoints{}) }()
	return fn()
}

func (r *runner) setFailpoints(fp sandbox.Failpoints) error {
	data, _ := json.Marshal(fp)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.sandboxURL+"/_sandbox/failpoints", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("set failpoints: status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	runCmd := flag.String("run", "", "run scenario: success|reject|cancel|refund|refund-fail")
	product := flag.String("product", "", "product for -run (defaults to the first of CLI_PRODUCTS)")
	flag.Parse()

	products := strings.Split(getenv("CLI_PRODUCTS", "sku-1"), ",")
	r := &runner{
		client:     sagaclient.New(getenv("SAGA_BASE_URL", "http://localhost:8080"), 5*time.Second),
		sandboxURL: strings.TrimRight(getenv("PG_SANDBOX_URL", ""), "/"),
		poll:       200 * time.Millisecond,
		timeout:    30 * time.Second,
	}

	if *runCmd != "" {
		p := *product
		if p == "" {
			p = strings.TrimSpace(products[0])
		}
		res := r.run(p, *runCmd)
		fmt.Println(res.status)
		if res.detail != "" {
			fmt.Println(res.detail)
		}
		return
	}

	p := tea.NewProgram(initialModel(products, r.run))
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
