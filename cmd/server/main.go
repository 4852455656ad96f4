// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tutor-chat-go/internal/config"
	"tutor-chat-go/internal/handler"
	"tutor-chat-go/internal/repository"
	"tutor-chat-go/internal/service"
	"tutor-chat-go/pkg/database"
	"tutor-chat-go/pkg/kafka"
	"tutor-chat-go/pkg/llm"
	"tutor-chat-go/pkg/log"
)

const defaultConfigPath = "./configs/config.yaml"

// ServerFlags 是命令行参数，显式设置时覆盖配置文件中的值。
type ServerFlags struct {
	ConfigPath string
	Port       string
	DBPath     string
	StaticDir  string
	BasicAuth  []string
}

func (f *ServerFlags) BindFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.ConfigPath, "config", defaultConfigPath, "Path to the YAML configuration file")
	flagSet.StringVar(&f.Port, "port", "8035", "Port to listen on")
	flagSet.StringVar(&f.DBPath, "db", "chats.db", "Database DSN (file path for sqlite)")
	flagSet.StringVar(&f.StaticDir, "static-dir", "", "Directory with static web client files to serve under /")
	flagSet.StringArrayVar(&f.BasicAuth, "basic-auth", nil, "Require HTTP basic auth, user:password (repeatable)")
}

// bindViper 把显式传入的参数映射到对应的配置项上。
func (f *ServerFlags) bindViper(v *viper.Viper, flagSet *pflag.FlagSet) error {
	bindings := map[string]string{
		"port":       "server.port",
		"db":         "database.dsn",
		"static-dir": "server.static_dir",
		"basic-auth": "auth.basic_auth",
	}
	for flagName, key := range bindings {
		if err := v.BindPFlag(key, flagSet.Lookup(flagName)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flagName, err)
		}
	}
	return nil
}

func (f *ServerFlags) configPath(flagSet *pflag.FlagSet) string {
	if flagSet.Changed("config") {
		return f.ConfigPath
	}
	if _, err := os.Stat(f.ConfigPath); err != nil {
		return ""
	}
	return f.ConfigPath
}

func newRootCommand() *cobra.Command {
	f := &ServerFlags{}
	cmd := &cobra.Command{
		Use:   "tutor-chat",
		Short: "Run the tutoring chat server",
		Long: `tutor-chat relays conversation turns over a websocket to an
OpenAI-compatible language model, persists conversations per owner secret,
and suggests titles for new conversations in the background.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.GetViper()
			if err := f.bindViper(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v, f.configPath(cmd.Flags()))
			if err != nil {
				return err
			}
			config.Conf = cfg
			return run(cfg)
		},
	}
	f.BindFlags(cmd.Flags())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	accounts, err := cfg.Auth.Accounts()
	if err != nil {
		return err
	}

	// 1. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 2. 初始化数据库和 Redis
	database.InitDB(cfg.Database)
	redisClient := database.InitRedis(cfg.Database.Redis)
	publisher := kafka.NewPublisher(cfg.Kafka)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warnf("关闭 Kafka 发布者失败: %v", err)
		}
	}()

	// 3. 初始化 Repository
	conversationRepo := repository.NewCachedConversationRepository(
		repository.NewConversationRepository(database.DB),
		redisClient,
		cfg.Database.Redis.TTL,
	)

	// 4. 初始化 Service (依赖注入)
	if cfg.LLM.APIKey == "" {
		log.Warnf("未配置 llm.api_key（环境变量 TUTOR_LLM_API_KEY），模型调用可能失败")
	}
	llmClient := llm.NewClient(cfg.LLM)
	injector := service.NewDirectiveInjector(cfg.LLM.Prompt.Directive)
	conversationService := service.NewConversationService(conversationRepo, injector, publisher)
	titleRecommender := service.NewTitleRecommender(llmClient, conversationService, cfg.LLM.Prompt, cfg.Session.TitleTimeout)
	chatService := service.NewChatService(llmClient, conversationService, injector, titleRecommender, cfg.LLM.Generation, cfg.Session.TitleUserTurnLimit)

	// 5. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(cfg, accounts,
		handler.NewChatHandler(chatService, cfg.Session.ReadLimit),
		handler.NewConversationHandler(conversationService),
	)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("HTTP 服务监听失败: %w", err)
	case <-quit:
	}
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 等待仍在进行的标题推荐写入完成
	waitCtx, cancelWait := context.WithTimeout(context.Background(), cfg.Session.TitleTimeout)
	defer cancelWait()
	if err := titleRecommender.Wait(waitCtx); err != nil {
		log.Warnf("等待标题推荐任务超时: %v", err)
	}

	log.Info("服务已优雅关闭")
	return nil
}
