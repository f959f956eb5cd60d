package repo

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"wq_miner/internal/model"
)

type ProcessTaskRepo struct {
	db *gorm.DB
}

func NewProcessTaskRepo(db *gorm.DB) *ProcessTaskRepo {
	return &ProcessTaskRepo{db: db}
}

func (taskRepo *ProcessTaskRepo) Add(ctx context.Context, task *model.ProcessTask) (int64, error) {
	result := taskRepo.db.WithContext(ctx).Create(task)
	if result.Error != nil || result.RowsAffected == 0 {
		log.Errorf("Add ProcessTask Error: %v", result.Error)
		return -1, result.Error
	}
	return task.ID, nil
}

// UpdateFields updates specific fields using a map, so zero values are written too.
func (taskRepo *ProcessTaskRepo) UpdateFields(ctx context.Context, taskID string, fields map[string]interface{}) error {
	result := taskRepo.db.WithContext(ctx).Model(&model.ProcessTask{}).Where("task_id = ?", taskID).Updates(fields)
	if result.Error != nil {
		log.Errorf("UpdateFields for task %s Error: %v", taskID, result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		err := fmt.Errorf("UpdateFields for task %s had no effect or record not found", taskID)
		log.Error(err.Error())
		return err
	}
	return nil
}

func (taskRepo *ProcessTaskRepo) FindByTaskId(ctx context.Context, taskID string) (*model.ProcessTask, error) {
	var task model.ProcessTask
	result := taskRepo.db.WithContext(ctx).Where("task_id = ?", taskID).First(&task)
	if result.Error != nil {
		if notFound(result.Error) {
			return nil, ErrNotFound
		}
		log.Errorf("Find task %s Error: %v", taskID, result.Error)
		return nil, result.Error
	}
	return &task, nil
}

func (taskRepo *ProcessTaskRepo) FindAll(ctx context.Context) ([]model.ProcessTask, error) {
	var tasks []model.ProcessTask
	result := taskRepo.db.WithContext(ctx).Order("id DESC").Find(&tasks)
	if result.Error != nil {
		log.Errorf("GetAll ProcessTask Error: %v", result.Error)
		return nil, result.Error
	}
	return tasks, nil
}

func (taskRepo *ProcessTaskRepo) FindByStatus(ctx context.Context, status string) ([]model.ProcessTask, error) {
	var tasks []model.ProcessTask
	result := taskRepo.db.WithContext(ctx).Where("status = ?", status).Find(&tasks)
	if result.Error != nil {
		log.Errorf("FindByStatus Error: %v", result.Error)
		return nil, result.Error
	}
	return tasks, nil
}

func (taskRepo *ProcessTaskRepo) DeleteByTaskId(ctx context.Context, taskID string) (bool, error) {
	result := taskRepo.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&model.ProcessTask{})
	if result.Error != nil {
		log.Errorf("Delete task %s Error: %v", taskID, result.Error)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
