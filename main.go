package main

import (
	"fmt"
	"log"

	"ScriptToScreen-server/config"
	"ScriptToScreen-server/models"
	"ScriptToScreen-server/routers"
	"ScriptToScreen-server/service"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("未找到 .env 文件，使用现有环境变量")
	}

	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	// 上次进程退出时卡在半路的镜头/批次/任务先归位
	models.ReconcileInterrupted()

	service.InitQueue()
	fmt.Println("Queue initialized")

	service.InitMinIO()
	fmt.Println("MinIO initialized")

	service.InitLedger()
	service.InitServices()

	processor := service.NewProcessor(models.GormDB)
	processor.StartProcessor(5)

	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
