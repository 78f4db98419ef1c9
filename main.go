package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/dns"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/toncenter/ton-wallet-engine/engine/activity"
	"github.com/toncenter/ton-wallet-engine/engine/diesel"
	"github.com/toncenter/ton-wallet-engine/engine/emulate"
	"github.com/toncenter/ton-wallet-engine/engine/models"
	"github.com/toncenter/ton-wallet-engine/engine/store"
	"github.com/toncenter/ton-wallet-engine/engine/toncenter"
	"github.com/toncenter/ton-wallet-engine/engine/transfer"
	"github.com/toncenter/ton-wallet-engine/engine/units"
	"github.com/toncenter/ton-wallet-engine/engine/wallet"
)

type Settings struct {
	Bind            string
	Network         string
	ToncenterURL    string
	ToncenterAPIKey string
	RedisAddr       string
	EmulatorQueue   string
	PgDsn           string
	MaxConns        int
	MinConns        int
	DieselURL       string
	DieselAddress   string
	TokensFile      string
	PushAddress     string
	StonPtonAddress string
	OurFeeOpcode    string
	OurFeePayload   string
	LiteConfigURL   string
	Prefork         bool
	Debug           bool
}

var settings Settings
var log = logrus.New()

var (
	rpc          *toncenter.Client
	wallets      *wallet.Service
	transfers    *transfer.Service
	activities   *activity.Service
	dieselEngine *diesel.Engine
	db           *store.Store
)

// staticTokens serves token metadata from a JSON config file.
type staticTokens map[string]*diesel.Token

func (t staticTokens) TokenByAddress(address string) *diesel.Token {
	return t[address]
}

func loadTokens(path string) (staticTokens, error) {
	if path == "" {
		return staticTokens{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tokens []*diesel.Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("parse tokens file %s: %w", path, err)
	}
	byAddress := staticTokens{}
	for _, token := range tokens {
		byAddress[token.Address] = token
	}
	return byAddress, nil
}

// balanceSource adapts the wallet and transfer services for the diesel engine.
type balanceSource struct{}

func (balanceSource) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	return wallets.GetBalance(ctx, address)
}

func (balanceSource) TokenBalance(ctx context.Context, ownerAddress, tokenAddress string) (*big.Int, error) {
	return transfers.GetTokenBalance(ctx, ownerAddress, tokenAddress)
}

const (
	mainnetGlobalConfigURL = "https://ton.org/global.config.json"
	testnetGlobalConfigURL = "https://ton.org/testnet-global.config.json"
)

// dnsResolver resolves .ton domains through the on-chain DNS contracts over
// a liteserver connection.
type dnsResolver struct {
	client *dns.Client
}

func newDNSResolver(ctx context.Context, configURL string) (*dnsResolver, error) {
	pool := liteclient.NewConnectionPool()
	if err := pool.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
		return nil, fmt.Errorf("connect liteservers: %w", err)
	}
	api := ton.NewAPIClient(pool)
	root, err := dns.GetRootContractAddr(ctx, api)
	if err != nil {
		return nil, fmt.Errorf("resolve dns root contract: %w", err)
	}
	return &dnsResolver{client: dns.NewDNSClient(api, root)}, nil
}

func (r *dnsResolver) Resolve(ctx context.Context, domain string) (string, error) {
	resolved, err := r.client.Resolve(ctx, domain)
	if err != nil {
		return "", err
	}
	record := resolved.GetWalletRecord()
	if record == nil {
		return "", fmt.Errorf("domain %s has no wallet record", domain)
	}
	return record.String(), nil
}

type accountPayload struct {
	Address       string `json:"address"`
	Version       string `json:"version"`
	WalletID      int64  `json:"walletId"`
	IsInitialized bool   `json:"isInitialized"`
	InitCode      string `json:"initCode,omitempty"`
	InitData      string `json:"initData,omitempty"`
}

func (p *accountPayload) build() (*transfer.Account, error) {
	if p.Address == "" {
		return nil, models.EngineError{Code: 422, Message: "address is required"}
	}
	account := &transfer.Account{
		Address:       p.Address,
		Version:       transfer.WalletVersion(p.Version),
		WalletID:      p.WalletID,
		IsInitialized: p.IsInitialized,
	}
	var err error
	if account.InitCode, err = parseCellB64(p.InitCode); err != nil {
		return nil, models.EngineError{Code: 422, Message: "invalid initCode"}
	}
	if account.InitData, err = parseCellB64(p.InitData); err != nil {
		return nil, models.EngineError{Code: 422, Message: "invalid initData"}
	}
	return account, nil
}

func parseCellB64(s string) (*cell.Cell, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return cell.FromBOC(raw)
}

func parseSigner(keyB64 string, account *transfer.Account) (transfer.Signer, error) {
	if keyB64 == "" {
		return nil, models.EngineError{Code: 422, Message: "privateKey is required"}
	}
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, models.EngineError{Code: 422, Message: "invalid privateKey"}
	}
	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	default:
		return nil, models.EngineError{Code: 422, Message: "invalid privateKey length"}
	}
	return transfer.NewKeySigner(key, account.Version, account.WalletID), nil
}

func parseAmount(s string) (*big.Int, error) {
	amount, err := units.FromString(s)
	if err != nil {
		return nil, models.EngineError{Code: 422, Message: "invalid amount"}
	}
	return amount, nil
}

func HealthCheck(c *fiber.Ctx) error {
	return c.Status(200).SendString("OK")
}

type draftRequest struct {
	Account      accountPayload `json:"account"`
	ToAddress    string         `json:"toAddress"`
	Amount       string         `json:"amount"`
	TokenAddress string         `json:"tokenAddress,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	StateInit    string         `json:"stateInit,omitempty"`
	AllowGasless bool           `json:"allowGasless,omitempty"`
}

func PostCheckTransactionDraft(c *fiber.Ctx) error {
	var req draftRequest
	if err := c.BodyParser(&req); err != nil {
		return models.EngineError{Code: 422, Message: err.Error()}
	}
	account, err := req.Account.build()
	if err != nil {
		return err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return err
	}

	signer := &transfer.KeySigner{
		Version:  account.Version,
		WalletID: account.WalletID,
		Mock:     true,
	}
	result, err := transfers.CheckTransactionDraft(c.Context(), transfer.DraftOptions{
		Account:      account,
		Signer:       signer,
		ToAddress:    req.ToAddress,
		Amount:       amount,
		TokenAddress: req.TokenAddress,
		Comment:      req.Comment,
		StateInitB64: req.StateInit,
		AllowGasless: req.AllowGasless,
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"resolvedAddress": result.ResolvedAddress,
		"addressName":     result.AddressName,
		"isToAddressNew":  result.IsToAddressNew,
		"fee":             models.Coins{Int: result.Fee},
		"realFee":         models.Coins{Int: result.RealFee},
		"diesel":          result.Diesel,
	})
}

type submitRequest struct {
	Account      accountPayload `json:"account"`
	PrivateKey   string         `json:"privateKey"`
	ToAddress    string         `json:"toAddress"`
	Amount       string         `json:"amount"`
	TokenAddress string         `json:"tokenAddress,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	StateInit    string         `json:"stateInit,omitempty"`
	NoFeeCheck   bool           `json:"noFeeCheck,omitempty"`
}

func PostSubmitTransfer(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return models.EngineError{Code: 422, Message: err.Error()}
	}
	account, err := req.Account.build()
	if err != nil {
		return err
	}
	signer, err := parseSigner(req.PrivateKey, account)
	if err != nil {
		return err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return err
	}

	var stateInit *cell.Cell
	if stateInit, err = parseCellB64(req.StateInit); err != nil {
		return transfer.ErrInvalidStateInit
	}

	result, err := transfers.SubmitTransfer(c.Context(), transfer.SubmitTransferOptions{
		Account:      account,
		Signer:       signer,
		ToAddress:    req.ToAddress,
		Amount:       amount,
		TokenAddress: req.TokenAddress,
		Comment:      req.Comment,
		StateInit:    stateInit,
		NoFeeCheck:   req.NoFeeCheck,
	})
	if err != nil {
		return err
	}

	savePendingTransfer(c.Context(), account.Address, req.TokenAddress, result)

	return c.JSON(fiber.Map{
		"amount":        models.Coins{Int: result.Amount},
		"toncoinAmount": models.Coins{Int: result.ToncoinAmount},
		"seqno":         result.Seqno,
		"toAddress":     result.ToAddress,
		"msgHash":       result.MsgHash,
		"msgHashNorm":   result.MsgHashNorm,
	})
}

// savePendingTransfer writes the optimistic activity. Storage failures are
// logged, not returned: the transfer is already on its way.
func savePendingTransfer(ctx context.Context, account, tokenAddress string, result *transfer.SubmitResult) {
	if db == nil {
		return
	}
	kind := "ton_transfer"
	if tokenAddress != "" {
		kind = "jetton_transfer"
	}
	row := &store.Row{
		ActivityID:  models.BuildActionActivityID(result.MsgHashNorm, "0", "pending"),
		Account:     account,
		Network:     models.Network(settings.Network),
		Kind:        kind,
		MsgHashNorm: result.MsgHashNorm,
		Amount:      result.Amount,
	}
	if err := db.SavePending(ctx, row); err != nil {
		log.WithError(err).Warn("failed to store a pending activity")
	}
}

type dieselSubmitRequest struct {
	Account            accountPayload `json:"account"`
	PrivateKey         string         `json:"privateKey"`
	ToAddress          string         `json:"toAddress"`
	Amount             string         `json:"amount"`
	TokenAddress       string         `json:"tokenAddress"`
	DieselAmount       string         `json:"dieselAmount"`
	IsGaslessWithStars bool           `json:"isGaslessWithStars,omitempty"`
}

func PostSubmitTransferWithDiesel(c *fiber.Ctx) error {
	var req dieselSubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return models.EngineError{Code: 422, Message: err.Error()}
	}
	account, err := req.Account.build()
	if err != nil {
		return err
	}
	signer, err := parseSigner(req.PrivateKey, account)
	if err != nil {
		return err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return err
	}
	dieselAmount, err := parseAmount(req.DieselAmount)
	if err != nil {
		return err
	}

	result, err := transfers.SubmitTransferWithDiesel(c.Context(), transfer.SubmitWithDieselOptions{
		Account:            account,
		Signer:             signer,
		ToAddress:          req.ToAddress,
		Amount:             amount,
		TokenAddress:       req.TokenAddress,
		DieselAmount:       dieselAmount,
		IsGaslessWithStars: req.IsGaslessWithStars,
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"seqno":         result.Seqno,
		"totalAmount":   models.Coins{Int: result.TotalAmount},
		"msgHash":       result.MsgHash,
		"msgHashNorm":   result.MsgHashNorm,
		"withW5Gasless": result.WithW5Gasless,
	})
}

type sendSignedRequest struct {
	Account   accountPayload `json:"account"`
	Transfers []struct {
		Boc   string `json:"boc"`
		Seqno uint32 `json:"seqno"`
	} `json:"transfers"`
}

func PostSendSignedTransactions(c *fiber.Ctx) error {
	var req sendSignedRequest
	if err := c.BodyParser(&req); err != nil {
		return models.EngineError{Code: 422, Message: err.Error()}
	}
	account, err := req.Account.build()
	if err != nil {
		return err
	}
	signed := make([]transfer.SignedTransfer, len(req.Transfers))
	for i, t := range req.Transfers {
		signed[i] = transfer.SignedTransfer{BocB64: t.Boc, Seqno: t.Seqno}
	}
	sent, err := transfers.SendSignedTransactions(c.Context(), account, signed)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"sent": sent})
}

func GetEstimateDiesel(c *fiber.Ctx) error {
	var account accountPayload
	account.Address = c.Query("address")
	account.Version = c.Query("walletVersion")
	built, err := account.build()
	if err != nil {
		return err
	}
	tokenAddress := c.Query("tokenAddress")
	if tokenAddress == "" {
		return models.EngineError{Code: 422, Message: "tokenAddress is required"}
	}
	estimate, err := transfers.FetchEstimateDiesel(c.Context(), built, tokenAddress)
	if err != nil {
		return err
	}
	return c.JSON(estimate)
}

func GetWalletInfo(c *fiber.Ctx) error {
	address := c.Query("address")
	if address == "" {
		return models.EngineError{Code: 422, Message: "address is required"}
	}
	info, err := wallets.GetWalletInfo(c.Context(), address)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"balance":       models.Coins{Int: info.Balance},
		"seqno":         info.Seqno,
		"isInitialized": info.IsInitialized,
		"isWallet":      info.IsWallet,
		"version":       info.Version,
		"walletId":      info.WalletID,
	})
}

type activityDetailsRequest struct {
	Address  string          `json:"address"`
	Kind     string          `json:"kind"`
	Activity json.RawMessage `json:"activity"`
}

func PostActivityDetails(c *fiber.Ctx) error {
	var req activityDetailsRequest
	if err := c.BodyParser(&req); err != nil {
		return models.EngineError{Code: 422, Message: err.Error()}
	}
	if req.Address == "" {
		return models.EngineError{Code: 422, Message: "address is required"}
	}

	var act models.Activity
	if req.Kind == "swap" {
		var swap models.SwapActivity
		if err := json.Unmarshal(req.Activity, &swap); err != nil {
			return models.EngineError{Code: 422, Message: "invalid activity"}
		}
		act = &swap
	} else {
		var tx models.TransactionActivity
		if err := json.Unmarshal(req.Activity, &tx); err != nil {
			return models.EngineError{Code: 422, Message: "invalid activity"}
		}
		act = &tx
	}

	updated, err := activities.FetchActivityDetails(c.Context(), req.Address, act)
	if err != nil {
		return err
	}
	if updated == nil {
		// Trace not indexed yet, the estimated values stand.
		return c.JSON(fiber.Map{"activity": act, "resolved": false})
	}

	reconcileActivity(c.Context(), req.Address, updated)
	return c.JSON(fiber.Map{"activity": updated, "resolved": true})
}

func reconcileActivity(ctx context.Context, account string, act models.Activity) {
	if db == nil {
		return
	}
	details, err := json.Marshal(act)
	if err != nil {
		return
	}
	row := &store.Row{
		ActivityID:  act.ActivityID(),
		Account:     account,
		Network:     models.Network(settings.Network),
		Status:      models.ActivityCompleted,
		MsgHashNorm: act.ExternalHashNorm(),
		Details:     details,
	}
	switch a := act.(type) {
	case *models.TransactionActivity:
		row.Kind = a.Kind
		row.Status = a.Status
		row.Amount = a.Amount.Int
		row.Fee = a.Fee.Int
	case *models.SwapActivity:
		row.Kind = "swap"
		row.Status = a.Status
	}
	if err := db.Reconcile(ctx, act.ExternalHashNorm(), []*store.Row{row}); err != nil {
		log.WithError(err).Warn("failed to reconcile a stored activity")
	}
}

func GetActivities(c *fiber.Ctx) error {
	if db == nil {
		return models.EngineError{Code: 503, Message: "activity store is not configured"}
	}
	account := c.Query("account")
	if account == "" {
		return models.EngineError{Code: 422, Message: "account is required"}
	}
	rows, err := db.ByAccount(c.Context(), account, c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"activities": rows})
}

func ErrorHandlerFunc(ctx *fiber.Ctx, err error) error {
	switch e := err.(type) {
	case models.EngineError:
		if e.Code != 404 {
			log.WithFields(logrus.Fields{
				"path": ctx.Path(),
				"code": e.Code,
			}).Error(e.Message)
		}
		return ctx.Status(e.Code).JSON(e)
	case transfer.DraftError:
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": string(e)})
	case transfer.TransferError:
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": string(e)})
	default:
		log.WithFields(logrus.Fields{"path": ctx.Path()}).WithError(err).Error("request failed")
		return ctx.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": fmt.Sprintf("internal server error: %s", err.Error())})
	}
}

func main() {
	flag.StringVar(&settings.Bind, "bind", ":8000", "Bind address")
	flag.StringVar(&settings.Network, "network", "mainnet", "Network: mainnet or testnet")
	flag.StringVar(&settings.ToncenterURL, "toncenter", "https://toncenter.com", "Toncenter API endpoint")
	flag.StringVar(&settings.ToncenterAPIKey, "toncenter-apikey", "", "Toncenter API key")
	flag.StringVar(&settings.RedisAddr, "redis", "localhost:6379", "Redis address for the emulator queue")
	flag.StringVar(&settings.EmulatorQueue, "emulator-queue", "emulatorqueue", "Emulator task queue name")
	flag.StringVar(&settings.PgDsn, "pg", "", "PostgreSQL connection string for the activity store (optional)")
	flag.IntVar(&settings.MaxConns, "maxconns", 100, "PostgreSQL max connections")
	flag.IntVar(&settings.MinConns, "minconns", 0, "PostgreSQL min connections")
	flag.StringVar(&settings.DieselURL, "diesel", "", "Diesel backend endpoint (optional)")
	flag.StringVar(&settings.DieselAddress, "diesel-address", "", "Diesel sponsor wallet address")
	flag.StringVar(&settings.TokensFile, "tokens", "", "JSON file with known token metadata")
	flag.StringVar(&settings.PushAddress, "push-address", "", "Push service address for excess detection")
	flag.StringVar(&settings.StonPtonAddress, "ston-pton", "", "STON.fi pTON master address")
	flag.StringVar(&settings.OurFeeOpcode, "our-fee-opcode", "", "Service fee marker opcode")
	flag.StringVar(&settings.OurFeePayload, "our-fee-payload", "", "Service fee marker forward payload, base64 BOC")
	flag.StringVar(&settings.LiteConfigURL, "lite-config", "", "Liteserver global config URL for DNS resolution, defaults per network")
	flag.BoolVar(&settings.Prefork, "prefork", false, "Prefork workers")
	flag.BoolVar(&settings.Debug, "debug", false, "Run service in debug mode")
	flag.Parse()

	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if settings.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	network, err := models.ParseNetwork(settings.Network)
	if err != nil {
		log.Fatal(err)
	}

	rpc = toncenter.NewClient(settings.ToncenterURL, settings.ToncenterAPIKey, log)

	rdb := redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
	emulator := emulate.NewClient(rdb, settings.EmulatorQueue, log)
	estimator := emulate.NewEstimator(emulator, rpc, log)

	wallets = wallet.NewService(rpc, rdb, log)

	tokens, err := loadTokens(settings.TokensFile)
	if err != nil {
		log.Fatal(err)
	}
	var dieselBackend diesel.Backend
	if settings.DieselURL != "" {
		dieselBackend = diesel.NewHTTPBackend(settings.DieselURL, log)
	}
	dieselEngine = diesel.NewEngine(network, dieselBackend, tokens, balanceSource{}, log)

	calcCfg := activity.Config{
		PushAddress:     settings.PushAddress,
		StonPtonAddress: settings.StonPtonAddress,
		OurFeePayload:   settings.OurFeePayload,
	}
	if settings.OurFeeOpcode != "" {
		opcode, err := activity.ParseOpcode(settings.OurFeeOpcode)
		if err != nil {
			log.Fatal(err)
		}
		calcCfg.OurFeeOpcode = opcode
	}
	calculator := activity.NewCalculator(calcCfg, log)
	activities = activity.NewService(rpc, calculator, log)

	ourFeePayload, err := parseCellB64(settings.OurFeePayload)
	if err != nil {
		log.Fatalf("invalid -our-fee-payload: %v", err)
	}

	liteConfig := settings.LiteConfigURL
	if liteConfig == "" {
		liteConfig = mainnetGlobalConfigURL
		if network == models.NetworkTestnet {
			liteConfig = testnetGlobalConfigURL
		}
	}
	var resolver transfer.AddressResolver
	if r, err := newDNSResolver(context.Background(), liteConfig); err != nil {
		log.WithError(err).Warn("dns resolver unavailable, domain destinations will not resolve")
	} else {
		resolver = r
	}

	transfers = &transfer.Service{
		Network:       network,
		RPC:           rpc,
		Wallets:       wallets,
		Estimator:     estimator,
		Diesel:        dieselEngine,
		Gate:          transfer.NewGate(log),
		Log:           log,
		Resolver:      resolver,
		DieselAddress: settings.DieselAddress,
		OurFeePayload: ourFeePayload,
	}

	if settings.PgDsn != "" {
		db, err = store.NewStore(settings.PgDsn, settings.MaxConns, settings.MinConns, log)
		if err != nil {
			log.Fatal(err)
		}
		if err := db.Init(context.Background()); err != nil {
			log.Fatal(err)
		}
	}

	config := fiber.Config{
		AppName:      "TON Wallet Engine",
		Concurrency:  256 * 1024,
		Prefork:      settings.Prefork,
		ErrorHandler: ErrorHandlerFunc,
	}
	app := fiber.New(config)

	app.Use("/api/v1/", func(c *fiber.Ctx) error {
		c.Accepts("application/json")
		start := time.Now()
		err := c.Next()
		stop := time.Now()
		c.Append("Server-timing", fmt.Sprintf("app;dur=%v", stop.Sub(start).String()))
		return err
	})
	if settings.Debug {
		app.Use(pprof.New())
	}

	app.Get("/healthcheck", HealthCheck)

	// transfers
	app.Post("/api/v1/transfer/check", PostCheckTransactionDraft)
	app.Post("/api/v1/transfer/submit", PostSubmitTransfer)
	app.Post("/api/v1/transfer/submitWithDiesel", PostSubmitTransferWithDiesel)
	app.Post("/api/v1/transfer/sendSigned", PostSendSignedTransactions)

	// diesel
	app.Get("/api/v1/diesel/estimate", GetEstimateDiesel)

	// wallets
	app.Get("/api/v1/wallet/info", GetWalletInfo)

	// activities
	app.Post("/api/v1/activity/details", PostActivityDetails)
	app.Get("/api/v1/activities", GetActivities)

	if err := app.Listen(settings.Bind); err != nil {
		log.Fatal(err)
	}
}
