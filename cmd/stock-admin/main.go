package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/stock"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/store/postgres"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
)

type seedProduct struct {
	ID        string `json:"id"`
	VariantID string `json:"variantId,omitempty"`
	Title     string `json:"title"`
	Price     int64  `json:"price"`
	Quantity  int64  `json:"quantity"`
}

type env struct {
	store  *postgres.Store
	rdb    *redis.Client
	ledger *stock.Ledger
	stock  *stock.Service
	logger *zap.Logger
}

func (e *env) close() {
	_ = e.rdb.Close()
	e.store.Close()
	_ = e.logger.Sync()
}

func open(c *cli.Context) (*env, error) {
	logger, err := logging.New("stock-admin", c.String("log-level"))
	if err != nil {
		return nil, err
	}
	store, err := postgres.Connect(c.Context, c.String("database-url"))
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.String("redis-addr"), Password: c.String("redis-password")})
	ledger := stock.NewLedger(rdb, logger, nil)
	return &env{
		store:  store,
		rdb:    rdb,
		ledger: ledger,
		stock:  stock.NewService(ledger, store.Stock(), store, store, logger),
		logger: logger,
	}, nil
}

// withEnv opens connections for one command and closes them afterwards.
func withEnv(fn func(c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()
		c.Context = ctx
		e, err := open(c)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(c, e)
	}
}

var keyFlags = []cli.Flag{
	&cli.StringFlag{Name: "product", Aliases: []string{"p"}, Required: true},
	&cli.StringFlag{Name: "variant", Aliases: []string{"v"}},
}

func main() {
	app := &cli.App{
		Name:  "stock-admin",
		Usage: "seed, restock and reconcile product stock",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-url", EnvVars: []string{"DATABASE_URL"}, Required: true},
			&cli.StringFlag{Name: "redis-addr", EnvVars: []string{"REDIS_ADDR"}, Value: "localhost:6379"},
			&cli.StringFlag{Name: "redis-password", EnvVars: []string{"REDIS_PASSWORD"}},
			&cli.StringFlag{Name: "log-level", EnvVars: []string{"LOG_LEVEL"}, Value: "warn"},
			&cli.DurationFlag{Name: "timeout", Value: time.Minute},
		},
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "apply schema migrations",
				Action: func(c *cli.Context) error {
					v, err := postgres.Migrate(c.String("database-url"))
					if err != nil {
						return err
					}
					fmt.Printf("schema at version %d\n", v)
					return nil
				},
			},
			{
				Name:      "seed",
				Usage:     "upsert products from a JSON file and sync their counters",
				ArgsUsage: "products.json",
				Action: withEnv(func(c *cli.Context, e *env) error {
					if c.NArg() != 1 {
						return cli.Exit("seed needs exactly one file", 2)
					}
					data, err := os.ReadFile(c.Args().First())
					if err != nil {
						return err
					}
					var products []seedProduct
					if err := json.Unmarshal(data, &products); err != nil {
						return fmt.Errorf("parse %s: %w", c.Args().First(), err)
					}
					for _, p := range products {
						if err := e.store.Catalog().UpsertProduct(c.Context, postgres.Product{
							ID: p.ID, VariantID: p.VariantID, Title: p.Title, Price: p.Price, Quantity: p.Quantity,
						}); err != nil {
							return fmt.Errorf("upsert %s: %w", p.ID, err)
						}
						key := stock.Key(p.ID, p.VariantID)
						avail, err := e.store.Stock().Available(c.Context, key)
						if err != nil {
							return err
						}
						if err := e.ledger.Sync(c.Context, key, avail); err != nil {
							return err
						}
						fmt.Printf("%s available=%d\n", key, avail)
					}
					return nil
				}),
			},
			{
				Name:  "restock",
				Usage: "add quantity to the durable row and the counter",
				Flags: append([]cli.Flag{&cli.Int64Flag{Name: "qty", Aliases: []string{"n"}, Required: true}}, keyFlags...),
				Action: withEnv(func(c *cli.Context, e *env) error {
					it := stock.Item{ProductID: c.String("product"), VariantID: c.String("variant"), Quantity: c.Int64("qty")}
					counters, err := e.stock.Restock(c.Context, []stock.Item{it})
					if err != nil {
						return err
					}
					fmt.Printf("%s counter=%d\n", it.Key(), counters[it.Key()])
					return nil
				}),
			},
			{
				Name:  "show",
				Usage: "compare durable availability with the counter",
				Flags: keyFlags,
				Action: withEnv(func(c *cli.Context, e *env) error {
					key := stock.Key(c.String("product"), c.String("variant"))
					durable, err := e.store.Stock().Available(c.Context, key)
					if err != nil {
						return err
					}
					cached, ok, err := e.ledger.Available(c.Context, key)
					if err != nil {
						return err
					}
					if !ok {
						fmt.Printf("%s durable=%d counter=<missing>\n", key, durable)
						return nil
					}
					fmt.Printf("%s durable=%d counter=%d drift=%d\n", key, durable, cached, cached-durable)
					return nil
				}),
			},
			{
				Name:  "reconcile",
				Usage: "overwrite every counter from durable availability",
				Action: withEnv(func(c *cli.Context, e *env) error {
					n, err := stock.NewReconciler(e.ledger, e.store.Stock(), e.logger).Run(c.Context)
					if err != nil {
						return err
					}
					fmt.Printf("synced %d keys\n", n)
					return nil
				}),
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
