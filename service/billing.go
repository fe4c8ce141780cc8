package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ScriptToScreen-server/config"
	"ScriptToScreen-server/models"

	"gorm.io/gorm"
)

// CreditLedger 外部账本的最小依赖面
type CreditLedger interface {
	Balance(ctx context.Context, projectID string) (int64, error)
	Debit(ctx context.Context, projectID, shotID string, amount int64) error
}

// BillingGuard 镜头计费护栏。口径：
//   - Reserve 只查余额不动钱，charge 表落一条 reserved 记录做准入凭证；
//   - 同一镜头重试不再过余额检查（记录还在就直接放行）；
//   - Commit 在镜头首次 completed 时扣款一次，靠 (project_id, shot_id) 主键
//     与 committed 状态做幂等，重复调用为空操作；
//   - 失败/取消 Release 预留，从未扣款所以不碰账本。
type BillingGuard struct {
	Store  Store
	Ledger CreditLedger

	standardCost     int64
	professionalCost int64
}

func NewBillingGuard(store Store, ledger CreditLedger) *BillingGuard {
	return &BillingGuard{
		Store:            store,
		Ledger:           ledger,
		standardCost:     config.AppConfig.Billing.StandardCost,
		professionalCost: config.AppConfig.Billing.ProfessionalCost,
	}
}

func (g *BillingGuard) TierCost(tier string) int64 {
	if tier == models.QualityTierProfessional {
		return g.professionalCost
	}
	return g.standardCost
}

// Reserve 镜头准入检查。返回 ErrInsufficientCredits 表示余额不够，
// 调用方必须在镜头进入 generating 之前停住。
func (g *BillingGuard) Reserve(ctx context.Context, projectID, shotID, runID, tier string) error {
	cost := g.TierCost(tier)

	charge, err := g.Store.GetCharge(ctx, projectID, shotID)
	if err == nil {
		switch charge.Status {
		case models.ChargeStatusReserved, models.ChargeStatusCommitted:
			// 重试路径：准入已通过（或已付费），不再检查余额
			return nil
		case models.ChargeStatusReleased:
			// 失败后重跑：重新过余额检查，复用原记录
			if err := g.checkBalance(ctx, projectID, cost); err != nil {
				return err
			}
			return g.Store.UpdateChargeStatus(ctx, projectID, shotID, models.ChargeStatusReserved)
		}
		return fmt.Errorf("unexpected charge status %q for shot %s", charge.Status, shotID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if err := g.checkBalance(ctx, projectID, cost); err != nil {
		return err
	}
	return g.Store.CreateCharge(ctx, &models.Charge{
		ProjectId: projectID,
		ShotId:    shotID,
		RunId:     runID,
		Tier:      tier,
		Amount:    cost,
		Status:    models.ChargeStatusReserved,
	})
}

func (g *BillingGuard) checkBalance(ctx context.Context, projectID string, cost int64) error {
	balance, err := g.Ledger.Balance(ctx, projectID)
	if err != nil {
		return fmt.Errorf("查询余额失败: %w", err)
	}
	if balance < cost {
		return fmt.Errorf("需要 %d 信用点，余额 %d: %w", cost, balance, ErrInsufficientCredits)
	}
	return nil
}

// Commit 镜头首次完成时扣款，重复调用为空操作
func (g *BillingGuard) Commit(ctx context.Context, projectID, shotID string) error {
	charge, err := g.Store.GetCharge(ctx, projectID, shotID)
	if err != nil {
		return fmt.Errorf("未找到镜头 %s 的计费记录: %w", shotID, err)
	}
	if charge.Status == models.ChargeStatusCommitted {
		return nil
	}
	if err := g.Ledger.Debit(ctx, projectID, shotID, charge.Amount); err != nil {
		return fmt.Errorf("账本扣款失败: %w", err)
	}
	return g.Store.UpdateChargeStatus(ctx, projectID, shotID, models.ChargeStatusCommitted)
}

// Release 解除预留。镜头从未被扣款，所以不需要账本退款动作
func (g *BillingGuard) Release(ctx context.Context, projectID, shotID string) error {
	charge, err := g.Store.GetCharge(ctx, projectID, shotID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if charge.Status == models.ChargeStatusCommitted {
		// 已付费的完成镜头不存在回收
		log.Printf("镜头 %s 已扣款，忽略 Release", shotID)
		return nil
	}
	return g.Store.UpdateChargeStatus(ctx, projectID, shotID, models.ChargeStatusReleased)
}
